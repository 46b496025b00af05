// Package valet wires the dialog, the allocator and the outbound channel
// together: one inbound message in, zero or more messages out.
package valet

import (
	"context"
	"errors"

	"valet/internal/allocator"
	"valet/internal/conversation"
	"valet/internal/imagehost"
	"valet/internal/ledger"
	"valet/internal/metrics"
	"valet/internal/models"
	"valet/internal/notify"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Image folders.
const (
	folderQR     = "qr"
	folderParked = "parked"
)

// MediaFetcher downloads an inbound image by channel reference.
type MediaFetcher interface {
	FetchMedia(ctx context.Context, ref string) ([]byte, error)
}

// Outbox accepts outbound messages without blocking.
type Outbox interface {
	Enqueue(msg notify.Message) error
}

// Service handles inbound chat messages end to end.
type Service struct {
	engine *conversation.Engine
	alloc  *allocator.Allocator
	ledger *ledger.Ledger
	images imagehost.Host
	media  MediaFetcher
	out    Outbox
	logger *zerolog.Logger
}

func NewService(
	engine *conversation.Engine,
	alloc *allocator.Allocator,
	l *ledger.Ledger,
	images imagehost.Host,
	media MediaFetcher,
	out Outbox,
	logger *zerolog.Logger,
) *Service {
	return &Service{
		engine: engine,
		alloc:  alloc,
		ledger: l,
		images: images,
		media:  media,
		out:    out,
		logger: logger,
	}
}

// Dispatch processes one inbound message. Errors are answered in chat and
// logged; nothing is returned to the channel adapter.
func (s *Service) Dispatch(ctx context.Context, msg conversation.Message) {
	l := s.logger.With().
		Str("request_id", uuid.NewString()).
		Str("from", msg.From).
		Str("message_id", msg.ID).
		Logger()
	ctx = l.WithContext(ctx)

	res, err := s.engine.Handle(ctx, msg)
	if err != nil {
		metrics.IncInbound("error")
		l.Error().Err(err).Msg("Failed to handle message")
		s.send(ctx, msg.From, conversation.MsgTryAgain)
		return
	}
	switch {
	case res.Duplicate:
		metrics.IncInbound("duplicate")
		l.Debug().Msg("Duplicate delivery ignored")
		return
	case res.RateLimited:
		metrics.IncInbound("rate_limited")
	default:
		metrics.IncInbound("handled")
	}

	for _, p := range res.Prompts {
		s.send(ctx, msg.From, p)
	}
	if res.Intent != nil {
		s.execute(ctx, res.Intent)
	}
}

func (s *Service) execute(ctx context.Context, in *conversation.Intent) {
	zerolog.Ctx(ctx).Debug().Str("intent", string(in.Kind)).Msg("Executing intent")
	switch in.Kind {
	case conversation.IntentStartCheckIn:
		s.startCheckIn(ctx, in.Phone, in.Intake)
	case conversation.IntentScanToken:
		s.scan(ctx, in.Phone, in.Scan)
	case conversation.IntentSubmitPhoto:
		s.park(ctx, in.Phone, in.DriverID, in.ImageRef)
	case conversation.IntentRequestRetrieval:
		s.requestRetrieval(ctx, in.Phone)
	case conversation.IntentSetDriverStatus:
		s.setStatus(ctx, in.Phone, in.Status)
	default:
		zerolog.Ctx(ctx).Warn().Str("intent", string(in.Kind)).Msg("Unknown intent")
	}
}

func (s *Service) startCheckIn(ctx context.Context, phone string, intake models.Intake) {
	_, issued, err := s.alloc.StartCheckIn(ctx, intake)
	if err != nil {
		s.fail(ctx, phone, err)
		return
	}
	s.sendQR(ctx, phone, issued, conversation.MsgCheckInQRCaption)
	s.send(ctx, phone, conversation.MsgCheckInLink(issued.Link))
}

func (s *Service) scan(ctx context.Context, phone string, scan ledger.Scan) {
	driver, err := s.alloc.DriverByPhone(ctx, phone)
	if err != nil {
		if errors.Is(err, allocator.ErrUnknownDriver) {
			s.alloc.RecordRejection(ctx, scan.CarID, 0, "scan by non-driver "+phone)
			s.send(ctx, phone, conversation.MsgNotDriver)
			return
		}
		s.fail(ctx, phone, err)
		return
	}

	tok, err := s.ledger.Lookup(ctx, scan.Token)
	if err != nil {
		s.fail(ctx, phone, err)
		return
	}

	switch tok.Kind {
	case models.TokenCheckIn:
		res, err := s.alloc.TryCheckIn(ctx, scan.CarID, scan.Token, scan.OwnerID, driver.ID)
		if err != nil {
			s.fail(ctx, phone, err)
			return
		}
		plate := res.Car.NumberPlate
		s.send(ctx, res.Car.OwnerPhone, conversation.MsgOwnerCheckedIn(res.SlotNumber, res.Driver.Name))
		if res.Driver.ID != driver.ID {
			s.send(ctx, phone, conversation.MsgCheckInHandedOver(plate, res.Driver.Name))
		}
		s.send(ctx, res.Driver.Phone, conversation.MsgDriverAssigned(plate, res.SlotNumber))
		s.send(ctx, res.Driver.Phone, conversation.MsgDriverPrompted(plate))

	case models.TokenRetrieval:
		car, err := s.alloc.TryRetrieve(ctx, scan.Token, scan.CarID, scan.OwnerID, driver.ID)
		if err != nil {
			s.fail(ctx, phone, err)
			return
		}
		s.send(ctx, car.OwnerPhone, conversation.MsgRetrievedOwner(car.NumberPlate))
		s.send(ctx, phone, conversation.MsgRetrievedDriver(car.NumberPlate))

	default:
		s.send(ctx, phone, conversation.MsgQRInvalid)
	}
}

func (s *Service) park(ctx context.Context, phone string, driverID int64, imageRef string) {
	l := zerolog.Ctx(ctx)
	data, err := s.media.FetchMedia(ctx, imageRef)
	if err != nil {
		l.Error().Err(err).Str("image", imageRef).Msg("Failed to fetch parked photo")
		s.send(ctx, phone, conversation.MsgPhotoFailed)
		return
	}
	url, err := s.images.Upload(ctx, data, folderParked)
	if err != nil {
		l.Error().Err(err).Msg("Failed to upload parked photo")
		s.send(ctx, phone, conversation.MsgPhotoFailed)
		return
	}

	car, err := s.alloc.TryPark(ctx, driverID, url)
	if err != nil {
		s.fail(ctx, phone, err)
		return
	}
	s.send(ctx, phone, conversation.MsgDriverParked(car.NumberPlate))
	s.send(ctx, car.OwnerPhone, conversation.MsgOwnerPhoto(url))
}

func (s *Service) requestRetrieval(ctx context.Context, phone string) {
	r, err := s.alloc.RequestRetrieval(ctx, phone)
	if err != nil {
		s.fail(ctx, phone, err)
		return
	}
	car := r.Car
	contact := car.ContactPhone
	if contact == "" {
		contact = car.OwnerPhone
	}

	if r.Reissued {
		s.sendQR(ctx, phone, r.Token, conversation.MsgRetrievalReissued)
		s.send(ctx, phone, conversation.MsgRetrievalOwner(car.NumberPlate, r.Driver.Name, r.Driver.Phone))
		return
	}
	s.sendQR(ctx, phone, r.Token, conversation.MsgRetrievalQRCaption)
	s.send(ctx, phone, conversation.MsgRetrievalOwner(car.NumberPlate, r.Driver.Name, r.Driver.Phone))
	s.send(ctx, r.Driver.Phone, conversation.MsgRetrievalDriver(car.NumberPlate, car.OwnerName, contact, r.SlotNumber))
}

func (s *Service) setStatus(ctx context.Context, phone string, status models.DriverStatus) {
	d, err := s.alloc.SetDriverStatus(ctx, phone, status)
	if err != nil {
		if errors.Is(err, allocator.ErrUnknownDriver) {
			s.send(ctx, phone, conversation.MsgStatusNotDriver)
			return
		}
		s.fail(ctx, phone, err)
		return
	}
	s.send(ctx, phone, conversation.MsgStatusUpdated(string(d.Status)))
}

// sendQR renders the token link and sends it as an image. Hosting failures
// still send the raw bytes, which some channels accept.
func (s *Service) sendQR(ctx context.Context, to string, issued *ledger.Issued, caption string) {
	l := zerolog.Ctx(ctx)
	png, err := ledger.RenderPNG(issued.Link, ledger.DefaultQRSize)
	if err != nil {
		l.Error().Err(err).Msg("Failed to render QR code")
		return
	}
	msg := notify.Message{To: to, ImageData: png, Caption: caption}
	if url, err := s.images.Upload(ctx, png, folderQR); err != nil {
		l.Warn().Err(err).Msg("Failed to host QR code")
	} else {
		msg.ImageURL = url
	}
	if err := s.out.Enqueue(msg); err != nil {
		l.Debug().Err(err).Msg("QR message not queued")
	}
}

func (s *Service) send(ctx context.Context, to, text string) {
	if to == "" || text == "" {
		return
	}
	if err := s.out.Enqueue(notify.Message{To: to, Text: text}); err != nil {
		zerolog.Ctx(ctx).Debug().Err(err).Str("to", to).Msg("Message not queued")
	}
}

func (s *Service) fail(ctx context.Context, to string, err error) {
	text := userMessage(err)
	if text == conversation.MsgTryAgain {
		zerolog.Ctx(ctx).Error().Err(err).Msg("Operation failed")
	} else {
		zerolog.Ctx(ctx).Info().Err(err).Msg("Operation rejected")
	}
	s.send(ctx, to, text)
}

// userMessage maps a failure to the chat reply. Token details are checked
// before the generic token error.
func userMessage(err error) string {
	switch {
	case errors.Is(err, ledger.ErrExpired):
		return conversation.MsgQRExpired
	case errors.Is(err, ledger.ErrAlreadyUsed):
		return conversation.MsgQRUsed
	case errors.Is(err, ledger.ErrMismatch):
		return conversation.MsgQRMismatch
	case errors.Is(err, ledger.ErrInvalid), errors.Is(err, allocator.ErrTokenInvalid), errors.Is(err, allocator.ErrUnknownCar):
		return conversation.MsgQRInvalid
	case errors.Is(err, allocator.ErrNoFreeSlot):
		return conversation.MsgNoFreeSlots
	case errors.Is(err, allocator.ErrNoFreeDriver):
		return conversation.MsgNoFreeDrivers
	case errors.Is(err, allocator.ErrWrongState):
		return conversation.MsgWrongState
	case errors.Is(err, allocator.ErrDriverMismatch):
		return conversation.MsgNotAssignedDriver
	case errors.Is(err, allocator.ErrNoAssignedCar):
		return conversation.PromptNoCarToPark
	case errors.Is(err, allocator.ErrNoParkedCar):
		return conversation.MsgNoParkedCar
	case errors.Is(err, allocator.ErrRetrievalPending):
		return conversation.MsgRetrievalPending
	case errors.Is(err, allocator.ErrUnknownDriver):
		return conversation.MsgNotDriver
	case errors.Is(err, allocator.ErrDriverHasAssignment):
		return conversation.MsgStatusHasAssignment
	case errors.Is(err, allocator.ErrPlateInUse):
		return conversation.MsgPlateInUse
	}
	return conversation.MsgTryAgain
}

