package daemon

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/lydakis/omnibridge/internal/cache"
	"github.com/lydakis/omnibridge/internal/omnisharp"
	"github.com/lydakis/omnibridge/internal/serverpool"
)

// LogObserver renders every event of a workspace server as a log record.
func LogObserver(log *slog.Logger) serverpool.Observer {
	return func(ws string, b serverpool.Backend) omnisharp.Disposable {
		l := log.With("workspace", ws)
		return b.Events().Subscribe(func(ev omnisharp.Event) { logEvent(l, ev) })
	}
}

func logEvent(l *slog.Logger, ev omnisharp.Event) {
	switch e := ev.(type) {
	case omnisharp.ServerError:
		l.Error("server error", "err", e.Err)
	case omnisharp.StdErr:
		l.Warn("server stderr", "message", strings.TrimRight(e.Message, "\n"))
	case omnisharp.ProtocolError:
		l.Warn("server reported error", "text", e.Message.Text, "file", e.Message.FileName, "line", e.Message.Line)
	case omnisharp.RestoreFailed:
		l.Warn("restore failed", "message", e.Message)
	case omnisharp.UnresolvedDependencies:
		l.Warn("unresolved dependencies", "file", e.Message.FileName, "count", len(e.Message.UnresolvedDependencies))
	case omnisharp.EventPacketLog:
		l.Log(context.Background(), packetLevel(e.LogLevel), e.Message, "source", e.Name)
	case omnisharp.Launch:
		l.Info("server launched", "command", e.Command, "pid", e.PID, "mono", e.MonoPath)
	case omnisharp.ServerStart:
		l.Info("server started", "target", e.SolutionPath)
	case omnisharp.StateChanged:
		l.Info("server state", "state", e.State)
	case omnisharp.MultipleLaunchTargets:
		l.Info("multiple launch targets", "count", len(e.Targets))
	case omnisharp.VerboseMessage:
		l.Debug(e.Message)
	case omnisharp.ServerMessage:
		l.Debug(e.Message)
	case omnisharp.EnqueueRequest, omnisharp.DequeueRequest, omnisharp.ProcessRequestStart,
		omnisharp.ProcessRequestComplete, omnisharp.RestoreProgress:
		l.Debug(ev.Type().String())
	default:
		l.Info(ev.Type().String())
	}
}

// packetLevel maps the server's log level names onto slog levels.
func packetLevel(level string) slog.Level {
	switch strings.ToUpper(level) {
	case "TRACE", "DEBUG":
		return slog.LevelDebug
	case "WARNING", "WARN":
		return slog.LevelWarn
	case "ERROR", "CRITICAL":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func cacheObserver(log *slog.Logger) serverpool.Observer {
	return func(ws string, b serverpool.Backend) omnisharp.Disposable {
		return omnisharp.On(b.Events(), func(e omnisharp.WorkspaceInformationUpdated) {
			if e.Info == nil {
				return
			}
			data, err := json.Marshal(e.Info)
			if err == nil {
				err = cachePut(ws, data, cache.DefaultTTL)
			}
			if err != nil {
				log.Warn("caching project information", "workspace", ws, "err", err)
			}
		})
	}
}
