package tests

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"
	"time"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"

	. "github.com/trezcool/masomo-messaging/apps/api/echo"
	"github.com/trezcool/masomo-messaging/core"
	"github.com/trezcool/masomo-messaging/core/messaging"
	"github.com/trezcool/masomo-messaging/core/user"
	"github.com/trezcool/masomo-messaging/services/filestore"
	"github.com/trezcool/masomo-messaging/services/logger"
	"github.com/trezcool/masomo-messaging/tests"
)

var (
	errMissingToken = httpErr{Error: "missing or malformed jwt"}
	errInvalidToken = httpErr{Error: "invalid or expired jwt"}
	errForbidden    = httpErr{Error: "permission denied"}
)

type app struct {
	*Server
	conf *core.Config
	env  *testutil.Env
}

func testConfig() *core.Config {
	conf := &core.Config{
		Env:             "TEST",
		TestMode:        true,
		AppName:         "Masomo",
		Build:           "test",
		SecretKey:       "test-secret",
		FrontendBaseURL: "http://localhost:3000",
	}
	conf.JWT.ExpirationDelta = time.Hour
	conf.Sync.PingInterval = time.Minute
	conf.Sync.StreamTokenTTL = time.Minute
	conf.Sync.PollBase = time.Second
	conf.RateLimit.MessagesPerMinute = 60
	conf.RateLimit.Burst = 20
	return conf
}

func newValidator() (*validator.Validate, ut.Translator) {
	_en := en.New()
	uni := ut.New(_en, _en)
	translator, _ := uni.GetTranslator("en")

	validate := validator.New()
	core.InitValidators(validate, translator)
	user.InitValidators(validate, translator)
	messaging.InitValidators(validate, translator)
	return validate, translator
}

// setup builds a Server over a fresh in-memory store. conf tweaks apply before the server is built.
func setup(t *testing.T, tweaks ...func(conf *core.Config)) *app {
	return setupWithDeps(t, messaging.ServiceDeps{}, tweaks...)
}

// setupWithDeps is setup with optional messaging dependencies (queue, mailer).
func setupWithDeps(t *testing.T, deps messaging.ServiceDeps, tweaks ...func(conf *core.Config)) *app {
	conf := testConfig()
	for _, tweak := range tweaks {
		tweak(conf)
	}
	env := testutil.NewEnv(t, deps)
	validate, translator := newValidator()

	srv := NewServer(ServerDeps{
		Conf:           conf,
		Logger:         logsvc.NewNopLogger(),
		Validate:       validate,
		Translator:     translator,
		UserSvc:        env.UserSvc,
		MsgSvc:         env.Svc,
		Broker:         env.Hub,
		Files:          filesvc.NewLocalStore(conf),
		DisableReqLogs: true,
	})
	t.Cleanup(func() { _ = srv.Close() })
	return &app{Server: srv, conf: conf, env: env}
}

func (a *app) createUser(t *testing.T, typ user.UserType, id, name string, classIDs ...string) user.User {
	return testutil.CreateUser(t, a.env.UserRepo, typ, id, name, classIDs...)
}

func (a *app) token(t *testing.T, usr user.User) string {
	token, err := GenerateToken(a.conf, GetUserClaims(a.conf, usr.Identity()))
	if err != nil {
		t.Fatalf("token() failed: %v", err)
	}
	return token
}

func (a *app) streamToken(t *testing.T, usr user.User, convID int64) string {
	token, err := GenerateToken(a.conf, GetStreamClaims(a.conf, usr.Identity(), convID))
	if err != nil {
		t.Fatalf("streamToken() failed: %v", err)
	}
	return token
}

// do serves the request & returns the recorded response.
func (a *app) do(req *http.Request, rec *httptest.ResponseRecorder) *httptest.ResponseRecorder {
	a.ServeHTTP(rec, req)
	return rec
}

type httpErr struct {
	Error string `json:"error"`
}

type httpTest struct {
	name     string
	method   string
	path     string
	body     []byte
	token    string
	wantCode int
	wantData []byte
}

func newAuthRequest(method, path, token string, data ...[]byte) (*http.Request, *httptest.ResponseRecorder) {
	var body bytes.Buffer
	if len(data) > 0 {
		body.Write(data[0])
	}
	req := httptest.NewRequest(method, path, &body)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	return req, rec
}

func newRequest(method, path string, data ...[]byte) (*http.Request, *httptest.ResponseRecorder) {
	return newAuthRequest(method, path, "", data...)
}

func marchallObj(t *testing.T, obj interface{}) []byte {
	data, err := json.Marshal(obj)
	if err != nil {
		t.Fatalf("marchallObj() failed: %v", err)
	}
	return data
}

func marchallList(t *testing.T, objs ...interface{}) []byte {
	if objs == nil {
		objs = []interface{}{}
	}
	data, err := json.Marshal(objs)
	if err != nil {
		t.Fatalf("marchallList() failed: %v", err)
	}
	return data
}

func unmarshal(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("json.Unmarshal(%s) failed: %v", rec.Body.String(), err)
	}
}

func jsonBytesEqual(t *testing.T, b1, b2 []byte) (bool, error) {
	var j1, j2 interface{}
	if err := json.Unmarshal(b1, &j1); err != nil {
		return false, err
	}
	if err := json.Unmarshal(b2, &j2); err != nil {
		return false, err
	}
	if reflect.DeepEqual(j1, j2) {
		return true, nil
	}
	if j1 == nil || j2 == nil {
		return false, nil
	}
	return assert.ElementsMatch(t, j1, j2), nil
}

func checkCodeAndData(t *testing.T, tt httpTest, rec *httptest.ResponseRecorder) {
	if rec.Code != tt.wantCode {
		t.Errorf("failed! code = %v; wantCode %v", rec.Code, tt.wantCode)
	}
	if tt.wantData == nil {
		return
	}
	ok, err := jsonBytesEqual(t, rec.Body.Bytes(), tt.wantData)
	if err != nil {
		t.Errorf("jsonBytesEqual() failed to compare; err %v", err)
	}
	if !ok {
		t.Errorf("failed! data = %v; wantData %v", rec.Body.String(), string(tt.wantData))
	}
}

func runHTTPTests(t *testing.T, a *app, tests []httpTest) {
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			method := tt.method
			if method == "" {
				method = http.MethodGet
			}
			req, rec := newAuthRequest(method, tt.path, tt.token, tt.body)
			checkCodeAndData(t, tt, a.do(req, rec))
		})
	}
}
