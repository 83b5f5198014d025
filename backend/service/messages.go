package service

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/adwski/synapse-relay/backend/metrics"
	"github.com/adwski/synapse-relay/backend/model"
	"github.com/rs/zerolog"
)

const dataURLBase64 = ";base64"

// Submit validates, persists and broadcasts one chat event from connID.
// The broadcast goes to every connected session, the author included.
func (svc *Service) Submit(ctx context.Context, connID string, kind model.Kind, content string) (*model.ChatEvent, error) {
	sess, ok := svc.sessions.Get(connID)
	if !ok {
		return nil, ErrNotConnected
	}
	if err := svc.validate(kind, content); err != nil {
		return nil, err
	}

	ev := &model.ChatEvent{
		Kind:    kind,
		Content: content,
		Author:  sess.Username,
	}

	// The event is persisted even if the author goes away mid-way.
	opCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), svc.storeTimeout)
	defer cancel()

	svc.publishMx.Lock()
	defer svc.publishMx.Unlock()

	start := time.Now()
	err := svc.store.Append(opCtx, ev)
	metrics.StoreLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, errors.Join(ErrPersistence, err)
	}
	metrics.MessagesPersisted.WithLabelValues(string(kind)).Inc()

	svc.sw.Broadcast(context.WithoutCancel(ctx), model.NewAnnouncement(model.ReceivedType(kind), model.NewMessagePayload(ev)), nil)
	return ev, nil
}

func (svc *Service) submit(ctx context.Context, connID string, kind model.Kind, content string, logger *zerolog.Logger) {
	ev, err := svc.Submit(ctx, connID, kind, content)
	switch {
	case err == nil:
		logger.Debug().
			Int64("eventID", int64(ev.ID)).
			Str("kind", string(kind)).
			Msg("message published")
	case errors.Is(err, ErrEmptyText):
		metrics.MessagesRejected.WithLabelValues("empty").Inc()
	case errors.Is(err, ErrValidation):
		metrics.MessagesRejected.WithLabelValues("validation").Inc()
		logger.Debug().Err(err).Str("kind", string(kind)).Msg("message rejected")
		svc.replyError(ctx, connID, validationMessage(err))
	case errors.Is(err, ErrPersistence):
		metrics.MessagesRejected.WithLabelValues("persistence").Inc()
		logger.Error().Err(err).Str("kind", string(kind)).Msg("cannot persist message")
		svc.replyError(ctx, connID, "message could not be saved")
	}
}

// Recover returns up to the configured limit of events with id greater than offset.
func (svc *Service) Recover(ctx context.Context, offset model.EventID) ([]model.ChatEvent, error) {
	if offset < 0 {
		offset = 0
	}
	start := time.Now()
	events, err := svc.store.FindAfter(ctx, offset, svc.recoveryLimit)
	metrics.StoreLatency.Observe(time.Since(start).Seconds())
	return events, err
}

func (svc *Service) replay(ctx context.Context, offset model.EventID, tx chan<- model.Announcement) (int, error) {
	events, err := svc.Recover(ctx, offset)
	if err != nil {
		return 0, err
	}
	for i := range events {
		ann := model.NewAnnouncement(model.ReceivedType(events[i].Kind), model.NewMessagePayload(&events[i]))
		if err = deliver(ctx, tx, ann); err != nil {
			return i, err
		}
	}
	metrics.EventsReplayed.Add(float64(len(events)))
	return len(events), nil
}

func (svc *Service) validate(kind model.Kind, content string) error {
	switch kind {
	case model.KindText:
		if strings.TrimSpace(content) == "" {
			return ErrEmptyText
		}
		if len(content) > svc.maxTextBytes {
			return &limitError{kind: kind, limit: int64(svc.maxTextBytes)}
		}
		return nil
	case model.KindImage, model.KindAudio:
		return validateMedia(kind, content, svc.maxMediaBytes)
	}
	return fmt.Errorf("%w: unknown kind %q", ErrValidation, kind)
}

// validateMedia accepts raw base64 or a data URL whose MIME type matches kind.
// The size limit applies to decoded bytes.
func validateMedia(kind model.Kind, blob string, limit int64) error {
	data := strings.TrimSpace(blob)
	if rest, ok := strings.CutPrefix(data, "data:"); ok {
		header, body, found := strings.Cut(rest, ",")
		if !found || !strings.HasSuffix(header, dataURLBase64) {
			return fmt.Errorf("%w: %s is not a base64 data url", ErrValidation, kind)
		}
		mime := strings.TrimSuffix(header, dataURLBase64)
		if mime != "" && !strings.HasPrefix(mime, string(kind)+"/") {
			return fmt.Errorf("%w: unsupported %s type %q", ErrValidation, kind, mime)
		}
		data = body
	}
	if data == "" {
		return fmt.Errorf("%w: empty %s", ErrValidation, kind)
	}
	if len(data)%4 != 0 {
		return fmt.Errorf("%w: %s is not valid base64", ErrValidation, kind)
	}

	size := int64(len(data)/4*3 - strings.Count(data[len(data)-2:], "="))
	if size > limit {
		return &limitError{kind: kind, limit: limit}
	}
	if _, err := io.Copy(io.Discard, base64.NewDecoder(base64.StdEncoding, strings.NewReader(data))); err != nil {
		return fmt.Errorf("%w: %s is not valid base64", ErrValidation, kind)
	}
	return nil
}

type limitError struct {
	kind  model.Kind
	limit int64
}

func (e *limitError) Error() string {
	return fmt.Sprintf("%s exceeds maximum size of %s", e.kind, formatSize(e.limit))
}

func (e *limitError) Unwrap() error {
	return ErrValidation
}

func formatSize(n int64) string {
	switch {
	case n >= 1<<20 && n%(1<<20) == 0:
		return fmt.Sprintf("%d MB", n>>20)
	case n >= 1<<10 && n%(1<<10) == 0:
		return fmt.Sprintf("%d KB", n>>10)
	}
	return fmt.Sprintf("%d bytes", n)
}

func validationMessage(err error) string {
	var le *limitError
	if errors.As(err, &le) {
		return le.Error()
	}
	return strings.TrimPrefix(err.Error(), ErrValidation.Error()+": ")
}
