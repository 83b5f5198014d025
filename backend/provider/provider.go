// Package provider creates call rooms on behalf of the relay. The relay only
// hands out room references; media never flows through it.
package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

const (
	KindJitsi = "jitsi"
	KindDaily = "daily"

	defaultJitsiBaseURL = "https://8x8.vc"
	defaultDailyAPIURL  = "https://api.daily.co/v1"
	defaultRoomPrefix   = "synapsechat"
	defaultRoomTTL      = time.Hour
)

var (
	ErrUnknownProvider = errors.New("unknown call room provider")
	ErrNotConfigured   = errors.New("call room provider is not configured")
	ErrNoRoomURL       = errors.New("provider response has no room url")
	ErrRequest         = errors.New("provider request failed")
)

// Room is an opaque room locator handed to call participants.
type Room struct {
	URL  string
	Name string
}

type Provider interface {
	CreateRoom(ctx context.Context) (Room, error)
}

type Config struct {
	Kind            string
	BaseURL         string
	APIKey          string
	RoomPrefix      string
	MaxParticipants int
	RoomTTL         time.Duration
}

// New returns the provider selected by cfg.Kind. An empty kind falls back to
// local room synthesis.
func New(cfg Config) (Provider, error) {
	if cfg.RoomPrefix == "" {
		cfg.RoomPrefix = defaultRoomPrefix
	}
	switch strings.ToLower(cfg.Kind) {
	case "", KindJitsi:
		return NewJitsi(cfg.BaseURL, cfg.RoomPrefix), nil
	case KindDaily:
		return NewDaily(cfg), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, cfg.Kind)
}

// Jitsi synthesizes locally unique rooms on a public Jitsi deployment.
// No network call is made.
type Jitsi struct {
	baseURL string
	prefix  string
}

func NewJitsi(baseURL, prefix string) *Jitsi {
	if baseURL == "" {
		baseURL = defaultJitsiBaseURL
	}
	if prefix == "" {
		prefix = defaultRoomPrefix
	}
	return &Jitsi{
		baseURL: strings.TrimRight(baseURL, "/"),
		prefix:  prefix,
	}
}

func (j *Jitsi) CreateRoom(ctx context.Context) (Room, error) {
	if err := ctx.Err(); err != nil {
		return Room{}, err
	}
	name := RoomName(j.prefix)
	return Room{
		URL:  j.baseURL + "/" + name,
		Name: name,
	}, nil
}

// RoomName builds prefix + timestamp + random suffix. A ULID carries both.
func RoomName(prefix string) string {
	return prefix + strings.ToLower(ulid.Make().String())
}
