// internal/graphapi/catalog.go
package graphapi

import "net/http"

// Operation domains double as admission partitions and breaker endpoint
// classes.
const (
	DomainMail     = "mail"
	DomainCalendar = "calendar"
	DomainDrive    = "drive"
	DomainPlatform = "platform"
)

// CanonicalOp describes one first-class upstream operation. Weight lets
// heavier calls consume more admission budget than simple reads.
type CanonicalOp struct {
	ID           string
	Method       string
	Path         string // inbound route
	UpstreamPath string // upstream template, {params} substituted from the route
	Domain       string
	Weight       int
	Scopes       []string // all required
	Write        bool
	Summary      string
}

var canonicalOps = []CanonicalOp{
	{ID: "profile.get", Method: http.MethodGet, Path: "/v1/me", UpstreamPath: "/me", Domain: DomainPlatform, Weight: 1, Scopes: []string{"User.Read"}, Summary: "Get signed-in profile"},

	{ID: "mail.list", Method: http.MethodGet, Path: "/v1/mail/messages", UpstreamPath: "/me/messages", Domain: DomainMail, Weight: 1, Scopes: []string{"Mail.Read"}, Summary: "List messages"},
	{ID: "mail.get", Method: http.MethodGet, Path: "/v1/mail/messages/{id}", UpstreamPath: "/me/messages/{id}", Domain: DomainMail, Weight: 1, Scopes: []string{"Mail.Read"}, Summary: "Get a message"},
	{ID: "mail.search", Method: http.MethodGet, Path: "/v1/mail/search", UpstreamPath: "/me/messages", Domain: DomainMail, Weight: 2, Scopes: []string{"Mail.Read"}, Summary: "Search messages"},
	{ID: "mail.send", Method: http.MethodPost, Path: "/v1/mail/send", UpstreamPath: "/me/sendMail", Domain: DomainMail, Weight: 2, Scopes: []string{"Mail.Send"}, Write: true, Summary: "Send a message"},

	{ID: "calendar.list", Method: http.MethodGet, Path: "/v1/calendar/events", UpstreamPath: "/me/events", Domain: DomainCalendar, Weight: 1, Scopes: []string{"Calendars.Read"}, Summary: "List events"},
	{ID: "calendar.create", Method: http.MethodPost, Path: "/v1/calendar/events", UpstreamPath: "/me/events", Domain: DomainCalendar, Weight: 2, Scopes: []string{"Calendars.ReadWrite"}, Write: true, Summary: "Create an event"},
	{ID: "calendar.accept", Method: http.MethodPost, Path: "/v1/calendar/events/{id}/accept", UpstreamPath: "/me/events/{id}/accept", Domain: DomainCalendar, Weight: 1, Scopes: []string{"Calendars.ReadWrite"}, Write: true, Summary: "Accept an invitation"},

	{ID: "drive.list", Method: http.MethodGet, Path: "/v1/drive/items", UpstreamPath: "/me/drive/root/children", Domain: DomainDrive, Weight: 1, Scopes: []string{"Files.Read"}, Summary: "List drive items"},
	{ID: "drive.download", Method: http.MethodGet, Path: "/v1/drive/items/{id}/content", UpstreamPath: "/me/drive/items/{id}/content", Domain: DomainDrive, Weight: 2, Scopes: []string{"Files.Read"}, Summary: "Download item content"},
	{ID: "drive.upload", Method: http.MethodPut, Path: "/v1/drive/items/{id}/content", UpstreamPath: "/me/drive/items/{id}/content", Domain: DomainDrive, Weight: 2, Scopes: []string{"Files.ReadWrite"}, Write: true, Summary: "Upload item content"},
}

// Catalog returns the canonical operation table.
func Catalog() []CanonicalOp { return canonicalOps }
