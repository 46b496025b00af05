package conversation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"valet/internal/ledger"
	"valet/internal/models"
	"valet/internal/repository"

	"github.com/rs/zerolog"
)

// Draft keys kept in the session while an intake is collected.
const (
	draftPlate = "plate"
	draftOwner = "owner"
	draftModel = "model"
)

// Message is one inbound chat message.
type Message struct {
	ID       string
	From     string
	Text     string
	ImageRef string
}

// IntentKind names the action the dialog asks the dispatcher to run.
type IntentKind string

const (
	IntentStartCheckIn     IntentKind = "start_checkin"
	IntentScanToken        IntentKind = "scan_token"
	IntentSubmitPhoto      IntentKind = "submit_parked_photo"
	IntentRequestRetrieval IntentKind = "request_retrieval"
	IntentSetDriverStatus  IntentKind = "set_driver_status"
)

// Intent is produced by at most one transition per message.
type Intent struct {
	Kind     IntentKind
	Phone    string
	Intake   models.Intake
	Scan     ledger.Scan
	ImageRef string
	DriverID int64
	Status   models.DriverStatus
}

// Result is what the dialog produced for one message.
type Result struct {
	State       State
	Prompts     []string
	Intent      *Intent
	Duplicate   bool
	RateLimited bool
}

// DriverDirectory resolves senders that are registered drivers.
type DriverDirectory interface {
	DriverByPhone(ctx context.Context, phone string) (*models.Driver, error)
}

// Engine runs the dialog. Sessions are persisted before Handle returns.
type Engine struct {
	store      repository.StateRepository
	drivers    DriverDirectory
	fsm        *FSM
	rateLimit  int
	rateWindow time.Duration
	now        func() time.Time
	logger     zerolog.Logger
}

// NewEngine creates a dialog engine. messagesPerMinute <= 0 disables rate limiting.
func NewEngine(store repository.StateRepository, drivers DriverDirectory, messagesPerMinute int, logger *zerolog.Logger) *Engine {
	return &Engine{
		store:      store,
		drivers:    drivers,
		fsm:        NewFSM(),
		rateLimit:  messagesPerMinute,
		rateWindow: time.Minute,
		now:        time.Now,
		logger:     logger.With().Str("component", "conversation").Logger(),
	}
}

// SetClock replaces the time source used for session timestamps.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// Handle processes one inbound message.
// A message id is marked processed up front and forgotten again when Handle
// fails, so the channel's redelivery gets another attempt.
func (e *Engine) Handle(ctx context.Context, msg Message) (_ Result, err error) {
	phone := strings.TrimSpace(msg.From)
	if phone == "" {
		return Result{}, fmt.Errorf("message without sender")
	}

	if msg.ID != "" {
		first, markErr := e.store.MarkProcessed(ctx, msg.ID)
		if markErr != nil {
			return Result{}, fmt.Errorf("mark processed: %w", markErr)
		}
		if !first {
			return Result{Duplicate: true}, nil
		}
		defer func() {
			if err == nil {
				return
			}
			if ferr := e.store.ForgetProcessed(context.WithoutCancel(ctx), msg.ID); ferr != nil {
				e.logger.Error().Err(ferr).Str("message_id", msg.ID).Msg("Failed to forget processed message")
			}
		}()
	}

	if e.rateLimit > 0 {
		ok, err := e.store.CheckRateLimit(ctx, phone, e.rateLimit, e.rateWindow)
		if err != nil {
			e.logger.Warn().Err(err).Msg("Rate limit check failed")
		} else if !ok {
			return Result{RateLimited: true, Prompts: []string{PromptRateLimited}}, nil
		}
	}

	session, err := e.store.GetState(ctx, phone)
	if err != nil {
		return Result{}, fmt.Errorf("load session: %w", err)
	}
	if session == nil || !State(session.State).Valid() {
		session = &models.Session{Phone: phone, State: string(StateIdle)}
	}

	ev := Classify(msg.Text, msg.ImageRef != "")
	res := e.step(ctx, session, ev, msg)

	session.State = string(res.State)
	session.UpdatedAt = e.now().UTC()
	if err := e.store.SetState(ctx, session); err != nil {
		return Result{}, fmt.Errorf("save session: %w", err)
	}

	zerolog.Ctx(ctx).Debug().
		Str("event", string(ev)).
		Str("state", session.State).
		Bool("intent", res.Intent != nil).
		Msg("Dialog step")
	return res, nil
}

func (e *Engine) step(ctx context.Context, session *models.Session, ev Event, msg Message) Result {
	current := State(session.State)

	// Intake answers are free text even when they look like a keyword.
	if current.collecting() {
		switch ev {
		case EventCheckIn, EventRetrieval, EventStatus, EventChoice:
			ev = EventText
		}
	}

	switch ev {
	case EventScan:
		return e.onScan(current, session.Phone, msg.Text)
	case EventImage:
		return e.onImage(ctx, current, session.Phone, msg.ImageRef)
	case EventCancel:
		if current != StateIdle {
			session.Reset(string(StateIdle))
			return Result{State: StateIdle, Prompts: []string{PromptCanceled}}
		}
	case EventGreeting:
		session.Reset(string(StateAwaitingCheckInConfirm))
		return Result{State: StateAwaitingCheckInConfirm, Prompts: []string{PromptWelcome, PromptCheckInOffer}}
	}

	next, ok := e.fsm.Next(current, ev)
	if !ok {
		if current == StateAwaitingStatusChoice {
			return Result{State: current, Prompts: []string{PromptInvalidStatus}}
		}
		return Result{State: current, Prompts: []string{PromptHelp}}
	}

	text := strings.TrimSpace(msg.Text)
	switch current {
	case StateAwaitingPlate:
		plate, ok := normalizePlate(text)
		if !ok {
			return Result{State: current, Prompts: []string{PromptInvalidPlate}}
		}
		session.Set(draftPlate, plate)
		return Result{State: next, Prompts: []string{PromptOwner}}

	case StateAwaitingOwner:
		name, ok := normalizeName(text)
		if !ok {
			return Result{State: current, Prompts: []string{PromptInvalidOwner}}
		}
		session.Set(draftOwner, name)
		return Result{State: next, Prompts: []string{PromptModel}}

	case StateAwaitingModel:
		model := strings.Join(strings.Fields(text), " ")
		if model == "" {
			return Result{State: current, Prompts: []string{PromptInvalidModel}}
		}
		session.Set(draftModel, model)
		return Result{State: next, Prompts: []string{PromptContact}}

	case StateAwaitingContact:
		contact, ok := NormalizePhone(text)
		if !ok {
			return Result{State: current, Prompts: []string{PromptInvalidPhone}}
		}
		intent := &Intent{
			Kind:  IntentStartCheckIn,
			Phone: session.Phone,
			Intake: models.Intake{
				NumberPlate:  session.GetString(draftPlate),
				OwnerName:    session.GetString(draftOwner),
				Model:        session.GetString(draftModel),
				OwnerPhone:   session.Phone,
				ContactPhone: contact,
			},
		}
		session.Reset(string(next))
		return Result{State: next, Intent: intent}

	case StateAwaitingStatusChoice:
		status, _ := models.ParseDriverStatus(strings.ToLower(text))
		return Result{State: next, Intent: &Intent{Kind: IntentSetDriverStatus, Phone: session.Phone, Status: status}}
	}

	switch ev {
	case EventCheckIn:
		return Result{State: next, Prompts: []string{PromptPlate}}
	case EventRetrieval:
		session.Reset(string(next))
		return Result{State: next, Intent: &Intent{Kind: IntentRequestRetrieval, Phone: session.Phone}}
	case EventStatus:
		return Result{State: next, Prompts: []string{PromptStatusChoice}}
	}
	return Result{State: current, Prompts: []string{PromptHelp}}
}

func (e *Engine) onScan(current State, phone, text string) Result {
	scan, err := ledger.ParseScan(text)
	if err != nil {
		return Result{State: current, Prompts: []string{PromptInvalidQR}}
	}
	return Result{State: current, Intent: &Intent{Kind: IntentScanToken, Phone: phone, Scan: scan}}
}

func (e *Engine) onImage(ctx context.Context, current State, phone, imageRef string) Result {
	driver, err := e.drivers.DriverByPhone(ctx, phone)
	if err != nil || driver == nil {
		zerolog.Ctx(ctx).Debug().Err(err).Msg("Photo from unknown driver")
		return Result{State: current, Prompts: []string{PromptPhotoNotDriver}}
	}
	if driver.Status != models.DriverBusy {
		return Result{State: current, Prompts: []string{PromptNoCarToPark}}
	}
	return Result{State: current, Intent: &Intent{
		Kind:     IntentSubmitPhoto,
		Phone:    phone,
		ImageRef: imageRef,
		DriverID: driver.ID,
	}}
}
