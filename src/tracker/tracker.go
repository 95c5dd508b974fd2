package tracker

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/hendrywilliam/chime/src/assets"
	"github.com/hendrywilliam/chime/src/presence"
	"github.com/hendrywilliam/chime/src/structs"
)

// Buttons setting values.
const (
	ButtonsNone    = "none"
	ButtonsPlay    = "play"
	ButtonsPlayApp = "play_app"
)

// DefaultGrace is how long a paused track keeps its presence alive
// before the broadcast is cleared.
const DefaultGrace = time.Minute

type Settings struct {
	// Invisible broadcasts with the invisible status instead of idle.
	Invisible bool
	// ShowContext uses the album name as the activity name instead of
	// the track title.
	ShowContext bool
	// TypePlaying shows "Playing <app>" instead of "Listening to ...".
	TypePlaying bool
	// ShowElapsedTime renders elapsed instead of remaining time.
	ShowElapsedTime bool
	ShowAppIcon     bool
	Buttons         string
}

// Track is a playback event from the host application.
type Track struct {
	Title        string            `json:"title"`
	Artists      []string          `json:"artists,omitempty"`
	Album        string            `json:"album,omitempty"`
	DurationMS   int64             `json:"duration_ms,omitempty"`
	CoverURL     string            `json:"cover_url,omitempty"`
	CoverHeaders map[string]string `json:"cover_headers,omitempty"`
	ShareURL     string            `json:"share_url,omitempty"`
}

// Transport is one of the two presence backends: the persistent gateway
// or the headless-session REST client. One transport per deployment.
type Transport interface {
	SetActivity(ctx context.Context, invisible bool, st *presence.State) error
	Clear(ctx context.Context, invisible bool) error
	UserDetails(ctx context.Context) (*structs.User, error)
	Close(ctx context.Context) error
}

// Tracker maps playback events onto presence updates. A pause starts a
// grace timer that clears the broadcast unless playback resumes first.
type Tracker struct {
	mu         sync.Mutex
	transport  Transport
	settings   Settings
	appName    string
	appURL     string
	appIconTag string
	grace      time.Duration
	clearTimer *time.Timer
	log        *slog.Logger
}

type TrackerArguments struct {
	Transport  Transport
	Settings   Settings
	AppName    string
	AppURL     string
	AppIconTag string
	Grace      time.Duration
	Logger     *slog.Logger
}

func NewTracker(args TrackerArguments) *Tracker {
	if args.Grace <= 0 {
		args.Grace = DefaultGrace
	}
	if args.Logger == nil {
		args.Logger = slog.Default()
	}
	return &Tracker{
		transport:  args.Transport,
		settings:   args.Settings,
		appName:    args.AppName,
		appURL:     args.AppURL,
		appIconTag: args.AppIconTag,
		grace:      args.Grace,
		log:        args.Logger,
	}
}

// OnPlaybackChanged handles a playback event. A nil track clears the
// presence immediately. Any pending delayed clear is always canceled
// first so a resumed track never races a stale timer.
func (t *Tracker) OnPlaybackChanged(ctx context.Context, track *Track, playing bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cancelClearLocked()
	if track == nil {
		return t.transport.Clear(ctx, t.settings.Invisible)
	}
	st := t.buildState(track)
	if err := t.transport.SetActivity(ctx, t.settings.Invisible, st); err != nil {
		return err
	}
	if !playing {
		var timer *time.Timer
		timer = time.AfterFunc(t.grace, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			// Serialize with playback events. A timer that fired while a
			// resume held the lock would otherwise clear underneath the
			// fresh activity, so a replaced or canceled timer bails here.
			t.mu.Lock()
			defer t.mu.Unlock()
			if t.clearTimer != timer {
				return
			}
			t.clearTimer = nil
			if err := t.transport.Clear(ctx, t.settings.Invisible); err != nil {
				t.log.Warn("failed to clear presence after pause", "error", err)
			}
		})
		t.clearTimer = timer
	}
	return nil
}

// UserDetails resolves the broadcasting account through the transport.
func (t *Tracker) UserDetails(ctx context.Context) (*structs.User, error) {
	return t.transport.UserDetails(ctx)
}

// Stop clears the broadcast and shuts the transport down.
func (t *Tracker) Stop(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cancelClearLocked()
	if err := t.transport.Clear(ctx, t.settings.Invisible); err != nil {
		t.log.Warn("failed to clear presence on stop", "error", err)
	}
	return t.transport.Close(ctx)
}

func (t *Tracker) cancelClearLocked() {
	if t.clearTimer != nil {
		t.clearTimer.Stop()
		t.clearTimer = nil
	}
}

func (t *Tracker) buildState(track *Track) *presence.State {
	st := &presence.State{
		Details: track.Title,
		State:   strings.Join(track.Artists, ", "),
	}
	if t.settings.TypePlaying {
		st.Type = presence.TypePlaying
		st.ActivityName = t.appName
	} else {
		st.Type = presence.TypeListening
		if t.settings.ShowContext && track.Album != "" {
			st.ActivityName = track.Album
		} else {
			st.ActivityName = track.Title
		}
	}

	st.StartTimestamp = time.Now().UnixMilli()
	if track.DurationMS > 0 {
		st.EndTimestamp = st.StartTimestamp + track.DurationMS
	}

	if track.CoverURL != "" {
		label := track.Album
		if label == "" {
			label = track.Title
		}
		st.LargeImage = &presence.Image{
			Label: label,
			Ref:   assets.FromURL(track.CoverURL, track.CoverHeaders),
		}
	}
	if t.settings.ShowAppIcon && t.appIconTag != "" {
		st.SmallImage = &presence.Image{
			Label: t.appName,
			Ref:   assets.FromTag(t.appIconTag),
		}
	}

	var buttons []presence.Link
	switch t.settings.Buttons {
	case ButtonsPlay:
		if track.ShareURL != "" {
			buttons = append(buttons, presence.Link{Label: "Play", URL: track.ShareURL})
		}
	case ButtonsPlayApp:
		if track.ShareURL != "" {
			buttons = append(buttons, presence.Link{Label: "Play", URL: track.ShareURL})
		}
		if t.appURL != "" {
			buttons = append(buttons, presence.Link{Label: "Listen on " + t.appName, URL: t.appURL})
		}
	}
	st.Buttons = buttons
	return st
}
