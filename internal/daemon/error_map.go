package daemon

import (
	"errors"

	"github.com/lydakis/omnibridge/internal/ipc"
	"github.com/lydakis/omnibridge/internal/omnisharp"
	"github.com/lydakis/omnibridge/internal/restore"
	"github.com/lydakis/omnibridge/internal/serverpool"
)

func exitCodeFor(err error) int {
	if err == nil {
		return ipc.ExitOK
	}

	var reqErr *omnisharp.RequestError
	switch {
	case errors.As(err, &reqErr):
		return ipc.ExitRequestErr
	case errors.Is(err, omnisharp.ErrRequestCancelled),
		errors.Is(err, omnisharp.ErrNotRunning),
		errors.Is(err, omnisharp.ErrServerStopped),
		errors.Is(err, restore.ErrNoProjects):
		return ipc.ExitRequestErr
	case errors.Is(err, serverpool.ErrUnknownTarget),
		errors.Is(err, omnisharp.ErrNoLaunchTarget),
		errors.Is(err, omnisharp.ErrLaunchExecutableNotFound):
		return ipc.ExitUsageErr
	}
	return ipc.ExitInternal
}
