package user

// Capabilities is what a user type may do in messaging, queried once per decision.
type Capabilities struct {
	Label                   string `json:"label"`
	Icon                    string `json:"icon"`
	CanSetImportance        bool   `json:"can_set_importance"`
	CanAuthorAnnouncement   bool   `json:"can_author_announcement"`
	CanReplyAnnouncement    bool   `json:"can_reply_announcement"`
	CanCreateClassBroadcast bool   `json:"can_create_class_broadcast"`
}

var capabilityTable = map[UserType]Capabilities{
	TypeAdmin: {
		Label: "Administrator", Icon: "shield",
		CanSetImportance: true, CanAuthorAnnouncement: true, CanCreateClassBroadcast: true,
	},
	TypeTeacher: {
		Label: "Teacher", Icon: "chalkboard",
		CanSetImportance: true, CanCreateClassBroadcast: true,
	},
	TypeStaff: {
		Label: "Staff", Icon: "briefcase",
		CanSetImportance: true, CanAuthorAnnouncement: true,
	},
	TypeStudent: {Label: "Student", Icon: "graduation-cap"},
	TypeParent:  {Label: "Parent", Icon: "users"},
}

// CapabilitiesOf returns the zero Capabilities (no rights) for unknown types.
func CapabilitiesOf(ut UserType) Capabilities {
	return capabilityTable[ut]
}
