package structs

// Activity is the activity object carried in a presence-update frame.
// Buttons on this shape are bare labels; their URLs travel separately in
// metadata.button_urls. Empty button lists must serialize as an absent
// field, never as [] - the gateway treats the two differently.
type Activity struct {
	ApplicationID string      `json:"application_id,omitempty"`
	Name          string      `json:"name,omitempty"`
	Type          *int        `json:"type,omitempty"`
	Details       string      `json:"details,omitempty"`
	State         string      `json:"state,omitempty"`
	Timestamps    *Timestamps `json:"timestamps,omitempty"`
	Assets        *Assets     `json:"assets,omitempty"`
	Buttons       []string    `json:"buttons,omitempty"`
	Metadata      *Metadata   `json:"metadata,omitempty"`
}

type Timestamps struct {
	Start int64 `json:"start,omitempty"`
	End   int64 `json:"end,omitempty"`
}

type Assets struct {
	LargeImage string `json:"large_image,omitempty"`
	LargeText  string `json:"large_text,omitempty"`
	SmallImage string `json:"small_image,omitempty"`
	SmallText  string `json:"small_text,omitempty"`
}

type Metadata struct {
	ButtonURLs []string `json:"button_urls,omitempty"`
}

// Presence is the d payload of an op 3 frame. Activities is always
// present: an empty list is the wire form of "no current activity".
type Presence struct {
	Activities []Activity `json:"activities"`
	AFK        bool       `json:"afk"`
	Since      int64      `json:"since"`
	Status     string     `json:"status"`
}

// SessionActivity is the activity shape accepted by the headless-session
// REST API. Unlike the gateway shape, buttons are (label, url) objects.
type SessionActivity struct {
	ApplicationID string      `json:"application_id,omitempty"`
	Name          string      `json:"name,omitempty"`
	Platform      string      `json:"platform,omitempty"`
	Type          *int        `json:"type,omitempty"`
	Details       string      `json:"details,omitempty"`
	State         string      `json:"state,omitempty"`
	Assets        *Assets     `json:"assets,omitempty"`
	Timestamps    *Timestamps `json:"timestamps,omitempty"`
	Buttons       []Button    `json:"buttons,omitempty"`
}

type Button struct {
	Label string `json:"label,omitempty"`
	URL   string `json:"url,omitempty"`
}

// Session is the create/update body for a headless session. Token holds
// the previous session handle when updating, omitted on first create.
type Session struct {
	Activities []SessionActivity `json:"activities,omitempty"`
	Token      string            `json:"token,omitempty"`
}
