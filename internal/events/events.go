package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/hendraet/labshare/internal/models"
)

const (
	TypeReservationCreated = "RESERVATION_CREATED"
	TypeReservationPromote = "RESERVATION_PROMOTED"
	TypeReservationFinish  = "RESERVATION_FINISHED"
	TypeReservationCancel  = "RESERVATION_CANCELED"
	TypeUsageExtended      = "USAGE_EXTENDED"
	TypeReminderSent       = "REMINDER_SENT"
	TypePlaceholderCleared = "PLACEHOLDER_CLEARED"

	TypeTelemetryReported = "TELEMETRY_REPORTED"
)

// Sink persists event batches.
type Sink interface {
	InsertEvents(ctx context.Context, batch []models.Event) error
}

type EventManager struct {
	sink      Sink
	in        chan models.Event
	done      chan struct{}
	wg        sync.WaitGroup
	batchSize int
}

func New(sink Sink) *EventManager {
	em := &EventManager{
		sink:      sink,
		in:        make(chan models.Event, 1000),
		done:      make(chan struct{}),
		batchSize: 100,
	}

	em.wg.Add(1)
	go em.loop()
	return em
}

// Close stops the writer after flushing buffered events.
func (em *EventManager) Close() {
	close(em.done)
	em.wg.Wait()
}

func (em *EventManager) Emit(eventType string, reservationID, gpuUUID *string, payload any) {
	var payloadJSON *string
	if payload != nil {
		b, err := json.Marshal(payload)
		if err == nil {
			s := string(b)
			payloadJSON = &s
		}
	}

	select {
	case em.in <- models.Event{
		At:            time.Now().UTC(),
		Type:          eventType,
		ReservationID: reservationID,
		GPUUUID:       gpuUUID,
		PayloadJSON:   payloadJSON,
	}:
	default:
		// never block a queue operation on the audit trail
		log.Printf("EventManager: dropped event %s (buffer full)", eventType)
	}
}

// EmitReservation records an event for reservation r.
func (em *EventManager) EmitReservation(eventType string, r models.Reservation, payload any) {
	id, gpu := r.ID, r.GPUUUID
	em.Emit(eventType, &id, &gpu, payload)
}

func (em *EventManager) loop() {
	defer em.wg.Done()

	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	var batch []models.Event

	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := em.sink.InsertEvents(context.Background(), batch); err != nil {
			log.Printf("EventManager: writing %d events failed: %v", len(batch), err)
		}
		batch = make([]models.Event, 0, em.batchSize)
	}

	for {
		select {
		case evt := <-em.in:
			batch = append(batch, evt)
			if len(batch) >= em.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-em.done:
			for {
				select {
				case evt := <-em.in:
					batch = append(batch, evt)
					if len(batch) >= em.batchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}
