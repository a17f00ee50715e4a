// Package run is the bridge daemon command.
package run

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/daemon"
	"github.com/gin-gonic/gin"
	"github.com/juju/errors"
	"github.com/zlobober/qingping-cgs1/cmd/qingping/subcmd"
	"github.com/zlobober/qingping-cgs1/helpers"
	"github.com/zlobober/qingping-cgs1/internal/api"
	"github.com/zlobober/qingping-cgs1/internal/config"
	"github.com/zlobober/qingping-cgs1/internal/integration"
	"github.com/zlobober/qingping-cgs1/internal/tele"
	"github.com/zlobober/qingping-cgs1/log2"
)

const modName = "run"

var Mod = subcmd.Mod{Name: modName, Main: Main}

func Main(ctx context.Context, config *config.Config, log *log2.Log, args []string) error {
	if err := config.Validate(); err != nil {
		return err
	}
	log.SetErrorFunc(integration.CountError)

	transport, err := tele.NewTransport(log, config.MQTT)
	if err != nil {
		return err
	}
	i, err := integration.New(config, log, transport)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err = i.Start(ctx); err != nil {
		return err
	}

	var srv *http.Server
	if config.HTTP.Listen != "" {
		gin.SetMode(gin.ReleaseMode)
		srv = &http.Server{
			Addr:              config.HTTP.Listen,
			Handler:           api.NewRouter(log, i).Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			log.Infof("api listen=%s", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Errorf("api listen=%s err=%v", srv.Addr, err)
				stop()
			}
		}()
	}

	subcmd.SdNotify(daemon.SdNotifyReady)
	log.Infof("bridge running devices=%d", len(i.Devices()))
	<-ctx.Done()
	subcmd.SdNotify(daemon.SdNotifyStopping)
	log.Infof("bridge stopping")

	var errs []error
	if srv != nil {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		errs = append(errs, srv.Shutdown(sctx))
		cancel()
	}
	errs = append(errs, i.Close())
	return errors.Annotate(helpers.FoldErrors(errs), "bridge stop")
}
