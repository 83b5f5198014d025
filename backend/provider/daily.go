package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const maxResponseSize = 64 * 1024

type dailyRoomRequest struct {
	Name       string          `json:"name"`
	Privacy    string          `json:"privacy"`
	Properties dailyProperties `json:"properties"`
}

type dailyProperties struct {
	Exp             int64 `json:"exp"`
	MaxParticipants int   `json:"max_participants,omitempty"`
}

type dailyRoomResponse struct {
	Name  string `json:"name"`
	URL   string `json:"url"`
	Error string `json:"error"`
	Info  string `json:"info"`
}

// Daily creates rooms through the Daily.co REST API.
type Daily struct {
	client          *http.Client
	apiURL          string
	apiKey          string
	prefix          string
	maxParticipants int
	roomTTL         time.Duration
}

func NewDaily(cfg Config) *Daily {
	apiURL := cfg.BaseURL
	if apiURL == "" {
		apiURL = defaultDailyAPIURL
	}
	ttl := cfg.RoomTTL
	if ttl <= 0 {
		ttl = defaultRoomTTL
	}
	prefix := cfg.RoomPrefix
	if prefix == "" {
		prefix = defaultRoomPrefix
	}
	return &Daily{
		client:          &http.Client{},
		apiURL:          strings.TrimRight(apiURL, "/"),
		apiKey:          cfg.APIKey,
		prefix:          prefix,
		maxParticipants: cfg.MaxParticipants,
		roomTTL:         ttl,
	}
}

func (d *Daily) CreateRoom(ctx context.Context) (Room, error) {
	if d.apiKey == "" {
		return Room{}, ErrNotConfigured
	}

	body, err := json.Marshal(&dailyRoomRequest{
		Name:    RoomName(d.prefix),
		Privacy: "public",
		Properties: dailyProperties{
			Exp:             time.Now().Add(d.roomTTL).Unix(),
			MaxParticipants: d.maxParticipants,
		},
	})
	if err != nil {
		return Room{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.apiURL+"/rooms", bytes.NewReader(body))
	if err != nil {
		return Room{}, errors.Join(ErrRequest, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+d.apiKey)

	resp, err := d.client.Do(req)
	if err != nil {
		return Room{}, errors.Join(ErrRequest, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	b, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return Room{}, errors.Join(ErrRequest, err)
	}

	var room dailyRoomResponse
	if err = json.Unmarshal(b, &room); err != nil {
		return Room{}, errors.Join(ErrRequest, fmt.Errorf("status %d: %w", resp.StatusCode, err))
	}
	if room.URL == "" {
		if room.Error != "" {
			return Room{}, fmt.Errorf("%w: status %d: %s: %s", ErrNoRoomURL, resp.StatusCode, room.Error, room.Info)
		}
		return Room{}, fmt.Errorf("%w: status %d", ErrNoRoomURL, resp.StatusCode)
	}
	return Room{URL: room.URL, Name: room.Name}, nil
}
