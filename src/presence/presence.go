package presence

import (
	"context"
	"time"

	"github.com/hendrywilliam/chime/src/assets"
	"github.com/hendrywilliam/chime/src/structs"
)

type ActivityType int

const (
	TypePlaying   ActivityType = 0
	TypeListening ActivityType = 2
	TypeWatching  ActivityType = 3
)

// MaxButtons is the platform cap on presence buttons.
const MaxButtons = 2

const (
	StatusIdle      = "idle"
	StatusInvisible = "invisible"
)

// Status maps the invisibility setting to the top-level session
// visibility string. This is not the activity type.
func Status(invisible bool) string {
	if invisible {
		return StatusInvisible
	}
	return StatusIdle
}

type Link struct {
	Label string
	URL   string
}

type Image struct {
	Label string
	Ref   *assets.Ref
}

// State is the mutable bag of current-activity fields. It is built
// fresh for every send and read exactly once during composition, so a
// caller never shares one instance across overlapping sends.
type State struct {
	Type            ActivityType
	ActivityName    string
	Details         string
	State           string
	LargeImage      *Image
	SmallImage      *Image
	StartTimestamp  int64 // epoch ms, zero means unset
	EndTimestamp    int64 // epoch ms, zero means unset
	Buttons         []Link
}

// Composer turns a State plus resolved asset URIs into the wire
// payload, in both the gateway and the headless-session shapes.
type Composer struct {
	applicationID string
	platform      string
	// showElapsedTime suppresses the end timestamp so clients render
	// elapsed rather than remaining time.
	showElapsedTime bool
	resolver        *assets.Resolver
	createdAt       int64
}

type ComposerArguments struct {
	ApplicationID   string
	Platform        string
	ShowElapsedTime bool
	Resolver        *assets.Resolver
}

func NewComposer(args ComposerArguments) *Composer {
	return &Composer{
		applicationID:   args.ApplicationID,
		platform:        args.Platform,
		showElapsedTime: args.ShowElapsedTime,
		resolver:        args.Resolver,
		createdAt:       time.Now().UnixMilli(),
	}
}

// Activity composes the gateway-shaped activity. Image references are
// resolved and then exchanged for platform-native handles, since the
// gateway only renders mp:-tagged assets.
func (c *Composer) Activity(ctx context.Context, st *State) structs.Activity {
	t := int(st.Type)
	activity := structs.Activity{
		ApplicationID: c.applicationID,
		Name:          st.ActivityName,
		Type:          &t,
		Details:       st.Details,
		State:         st.State,
		Timestamps:    c.timestamps(st),
		Assets:        c.composeAssets(ctx, st, true),
	}
	labels, urls := buttonLists(st.Buttons)
	if len(labels) > 0 {
		activity.Buttons = labels
		activity.Metadata = &structs.Metadata{ButtonURLs: urls}
	}
	return activity
}

// SessionActivity composes the headless-session shape. Direct URLs are
// accepted there, so no native exchange happens.
func (c *Composer) SessionActivity(ctx context.Context, st *State) structs.SessionActivity {
	t := int(st.Type)
	activity := structs.SessionActivity{
		ApplicationID: c.applicationID,
		Name:          st.ActivityName,
		Platform:      c.platform,
		Type:          &t,
		Details:       st.Details,
		State:         st.State,
		Timestamps:    c.timestamps(st),
		Assets:        c.composeAssets(ctx, st, false),
	}
	buttons := st.Buttons
	if len(buttons) > MaxButtons {
		buttons = buttons[:MaxButtons]
	}
	for _, b := range buttons {
		activity.Buttons = append(activity.Buttons, structs.Button{Label: b.Label, URL: b.URL})
	}
	return activity
}

// Presence wraps activities in the op 3 payload. Since is pinned to the
// composer's creation time, matching how long the broadcast has been up.
func (c *Composer) Presence(activities []structs.Activity, invisible bool) structs.Presence {
	if activities == nil {
		activities = []structs.Activity{}
	}
	return structs.Presence{
		Activities: activities,
		AFK:        true,
		Since:      c.createdAt,
		Status:     Status(invisible),
	}
}

func (c *Composer) timestamps(st *State) *structs.Timestamps {
	if st.StartTimestamp == 0 {
		return nil
	}
	ts := &structs.Timestamps{Start: st.StartTimestamp}
	if !c.showElapsedTime && st.EndTimestamp != 0 {
		ts.End = st.EndTimestamp
	}
	return ts
}

func (c *Composer) composeAssets(ctx context.Context, st *State, native bool) *structs.Assets {
	large, largeOK := c.imageURI(ctx, st.LargeImage, native)
	small, smallOK := c.imageURI(ctx, st.SmallImage, native)
	if !largeOK && !smallOK {
		return nil
	}
	out := &structs.Assets{}
	if largeOK {
		out.LargeImage = large
		out.LargeText = st.LargeImage.Label
	}
	if smallOK {
		out.SmallImage = small
		out.SmallText = st.SmallImage.Label
	}
	return out
}

// imageURI resolves one image reference; a failed resolution simply
// omits the asset.
func (c *Composer) imageURI(ctx context.Context, img *Image, native bool) (string, bool) {
	if img == nil || img.Ref == nil {
		return "", false
	}
	uri, ok := c.resolver.Resolve(ctx, img.Ref)
	if !ok {
		return "", false
	}
	if native {
		return c.resolver.ExchangeNative(ctx, uri)
	}
	return uri, true
}

func buttonLists(buttons []Link) ([]string, []string) {
	if len(buttons) == 0 {
		return nil, nil
	}
	if len(buttons) > MaxButtons {
		buttons = buttons[:MaxButtons]
	}
	labels := make([]string, 0, len(buttons))
	urls := make([]string, 0, len(buttons))
	for _, b := range buttons {
		labels = append(labels, b.Label)
		urls = append(urls, b.URL)
	}
	return labels, urls
}
