// Package connect provides the Connect RPC control API.
package connect

import (
	"context"
	"net/http"
	"sync"

	"connectrpc.com/connect"
	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/osa030/19dj/internal/app/notification"
	"github.com/osa030/19dj/internal/app/session"
	"github.com/osa030/19dj/internal/domain/track"
)

// ServicePath is the path prefix of the control service.
const ServicePath = "/dj.v1.ControlService/"

// Procedure paths.
const (
	ProcedureStatus     = ServicePath + "Status"
	ProcedureListQueues = ServicePath + "ListQueues"
	ProcedurePlay       = ServicePath + "Play"
	ProcedureSearch     = ServicePath + "Search"
	ProcedureSkip       = ServicePath + "Skip"
	ProcedureStop       = ServicePath + "Stop"
	ProcedureSetVolume  = ServicePath + "SetVolume"
	ProcedureSetLoop    = ServicePath + "SetLoop"
	ProcedurePause      = ServicePath + "Pause"
	ProcedureResume     = ServicePath + "Resume"
	ProcedureWatch      = ServicePath + "Watch"
)

// operatorRequester is recorded as the requester of tracks queued through the control API.
var operatorRequester = track.Requester{ID: "operator", Name: "Operator"}

type (
	request  = connect.Request[structpb.Struct]
	response = connect.Response[structpb.Struct]
)

// ControlService implements the operator control API.
type ControlService struct {
	session  *session.Manager
	notifier *notification.Manager
}

// NewControlService creates a new ControlService.
func NewControlService(sm *session.Manager, notifier *notification.Manager) *ControlService {
	return &ControlService{
		session:  sm,
		notifier: notifier,
	}
}

// Handler returns the service path and its HTTP handler.
func (s *ControlService) Handler(opts ...connect.HandlerOption) (string, http.Handler) {
	mux := http.NewServeMux()
	unary := map[string]func(context.Context, *request) (*response, error){
		ProcedureStatus:     s.Status,
		ProcedureListQueues: s.ListQueues,
		ProcedurePlay:       s.Play,
		ProcedureSearch:     s.Search,
		ProcedureSkip:       s.Skip,
		ProcedureStop:       s.Stop,
		ProcedureSetVolume:  s.SetVolume,
		ProcedureSetLoop:    s.SetLoop,
		ProcedurePause:      s.Pause,
		ProcedureResume:     s.Resume,
	}
	for procedure, fn := range unary {
		mux.Handle(procedure, connect.NewUnaryHandler(procedure, fn, opts...))
	}
	mux.Handle(ProcedureWatch, connect.NewServerStreamHandler(ProcedureWatch, s.Watch, opts...))
	return ServicePath, mux
}

// Status returns the queue view of one guild.
func (s *ControlService) Status(ctx context.Context, req *request) (*response, error) {
	st, err := s.session.Status(stringField(req.Msg, "guild_id"))
	if err != nil {
		return nil, connect.NewError(connect.CodeNotFound, err)
	}
	return respond(statusMap(st))
}

// ListQueues returns the queue view of every active guild.
func (s *ControlService) ListQueues(ctx context.Context, req *request) (*response, error) {
	statuses := s.session.Statuses()
	queues := make([]any, 0, len(statuses))
	for _, st := range statuses {
		queues = append(queues, statusMap(st))
	}
	return respond(map[string]any{"queues": queues})
}

// Play resolves a query and queues it in the given voice channel.
func (s *ControlService) Play(ctx context.Context, req *request) (*response, error) {
	res := s.session.Play(ctx, session.PlayRequest{
		GuildID:        stringField(req.Msg, "guild_id"),
		Requester:      operatorRequester,
		Query:          stringField(req.Msg, "query"),
		VoiceChannelID: stringField(req.Msg, "voice_channel_id"),
		TextChannelID:  stringField(req.Msg, "text_channel_id"),
	})
	return respond(resultStruct(res))
}

// Search returns candidates for a query.
func (s *ControlService) Search(ctx context.Context, req *request) (*response, error) {
	drafts, res := s.session.Search(ctx, stringField(req.Msg, "query"), intField(req.Msg, "limit"))
	m := resultStruct(res)
	results := make([]any, 0, len(drafts))
	for _, d := range drafts {
		results = append(results, draftMap(d))
	}
	m["results"] = results
	return respond(m)
}

// Skip skips the current track.
func (s *ControlService) Skip(ctx context.Context, req *request) (*response, error) {
	return respond(resultStruct(s.session.Skip(ctx, stringField(req.Msg, "guild_id"))))
}

// Stop clears the queue and leaves voice.
func (s *ControlService) Stop(ctx context.Context, req *request) (*response, error) {
	return respond(resultStruct(s.session.Stop(ctx, stringField(req.Msg, "guild_id"))))
}

// SetVolume changes the volume.
func (s *ControlService) SetVolume(ctx context.Context, req *request) (*response, error) {
	res := s.session.SetVolume(ctx, stringField(req.Msg, "guild_id"), stringField(req.Msg, "user_id"), intField(req.Msg, "volume"))
	return respond(resultStruct(res))
}

// SetLoop changes the loop mode.
func (s *ControlService) SetLoop(ctx context.Context, req *request) (*response, error) {
	res := s.session.SetLoop(ctx, stringField(req.Msg, "guild_id"), stringField(req.Msg, "mode"))
	return respond(resultStruct(res))
}

// Pause pauses playback.
func (s *ControlService) Pause(ctx context.Context, req *request) (*response, error) {
	return respond(resultStruct(s.session.Pause(ctx, stringField(req.Msg, "guild_id"))))
}

// Resume resumes playback.
func (s *ControlService) Resume(ctx context.Context, req *request) (*response, error) {
	return respond(resultStruct(s.session.Resume(ctx, stringField(req.Msg, "guild_id"))))
}

// Watch streams queue snapshots, starting with the current state.
// An empty guild_id watches every guild.
func (s *ControlService) Watch(ctx context.Context, req *request, stream *connect.ServerStream[structpb.Struct]) error {
	guildID := stringField(req.Msg, "guild_id")
	adapter := &streamAdapter{stream: stream}
	defer adapter.close()

	subscriptionID := s.notifier.Subscribe(guildID, adapter)
	defer s.notifier.Unsubscribe(subscriptionID)

	for _, st := range s.session.Statuses() {
		if guildID != "" && st.Snapshot.GuildID != guildID {
			continue
		}
		if err := adapter.Send(&notification.Notification{
			GuildID:  st.Snapshot.GuildID,
			Event:    "initial_state",
			Snapshot: st.Snapshot,
		}); err != nil {
			return err
		}
	}

	zlog.Info().Msgf("watch started: subscription=%s guild=%s", subscriptionID, guildID)
	<-ctx.Done()
	zlog.Info().Msgf("watch ended: subscription=%s", subscriptionID)
	return nil
}

// streamAdapter adapts a server stream to notification.Stream.
// Sends are serialized and dropped once the handler has returned.
type streamAdapter struct {
	mu     sync.Mutex
	stream *connect.ServerStream[structpb.Struct]
	closed bool
}

func (a *streamAdapter) Send(n *notification.Notification) error {
	msg, err := structpb.NewStruct(notificationMap(n))
	if err != nil {
		return errors.Wrap(err, "encode notification")
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return errors.New("stream closed")
	}
	return a.stream.Send(msg)
}

func (a *streamAdapter) close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
}

func respond(m map[string]any) (*response, error) {
	msg, err := structpb.NewStruct(m)
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, errors.Wrap(err, "encode response"))
	}
	return connect.NewResponse(msg), nil
}
