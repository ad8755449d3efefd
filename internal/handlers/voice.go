package handlers

import (
	"context"

	"github.com/adred-codev/realtime/internal/session"
	"github.com/adred-codev/realtime/internal/voice"
)

func (d *Dispatcher) voiceJoin(ctx context.Context, caller session.Info, e ChannelRef) (any, error) {
	return d.voice.Join(ctx, caller, e.ChannelID)
}

func (d *Dispatcher) voiceLeave(ctx context.Context, caller session.Info, e ChannelRef) (any, error) {
	if err := d.voice.Leave(ctx, caller, e.ChannelID); err != nil {
		return nil, err
	}
	return map[string]any{"channelId": e.ChannelID}, nil
}

func (d *Dispatcher) voiceUpdateState(ctx context.Context, caller session.Info, e VoiceStateUpdate) (any, error) {
	return d.voice.UpdateState(ctx, caller, e.ChannelID, voice.StatePatch{
		IsMuted:    e.IsMuted,
		IsDeafened: e.IsDeafened,
		IsSpeaking: e.IsSpeaking,
	})
}

func (d *Dispatcher) screenShareStart(ctx context.Context, caller session.Info, e ScreenShareStart) (any, error) {
	quality := e.Quality
	if quality == "" {
		quality = "720p"
	}
	return d.voice.StartShare(ctx, caller, e.ChannelID, quality)
}

func (d *Dispatcher) screenShareStop(ctx context.Context, caller session.Info, e ChannelRef) (any, error) {
	return d.voice.StopShare(ctx, caller, e.ChannelID)
}

func (d *Dispatcher) screenShareView(ctx context.Context, caller session.Info, e ShareRef) (any, error) {
	return d.voice.View(ctx, caller, e.ShareID)
}

func (d *Dispatcher) screenShareUnview(ctx context.Context, caller session.Info, e ShareRef) (any, error) {
	return d.voice.Unview(ctx, caller, e.ShareID)
}
