// Command user-managerd is the privileged, system-bus-exposed user
// management daemon of spec.md §1: enumerating, creating, deleting, and
// renaming interactive users, switching which one is active on seat0,
// toggling the guest user, and editing supplementary-group membership.
//
// With no arguments it runs as the daemon described by spec.md §6's RPC
// surface. With --removeUserFiles <username> it instead performs the
// remove-files path alone (environment directory deletion plus
// post-remove hooks) and exits, matching the CLI contract a package
// post-removal scriptlet invokes directly.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"github.com/sailfishos/user-managerd/logger"
	"github.com/sailfishos/user-managerd/usermanager/authz"
	"github.com/sailfishos/user-managerd/usermanager/callstate"
	"github.com/sailfishos/user-managerd/usermanager/coordinator"
	"github.com/sailfishos/user-managerd/usermanager/envfile"
	"github.com/sailfishos/user-managerd/usermanager/home"
	"github.com/sailfishos/user-managerd/usermanager/identity"
	"github.com/sailfishos/user-managerd/usermanager/ids"
	"github.com/sailfishos/user-managerd/usermanager/quota"
	"github.com/sailfishos/user-managerd/usermanager/rpcserver"
	"github.com/sailfishos/user-managerd/usermanager/seat"
	"github.com/sailfishos/user-managerd/usermanager/unitqueue"
)

// Matches the coordinator.New defaults; duplicated here because the
// --removeUserFiles path never builds a Coordinator.
const (
	hookRemoveDir = "/usr/share/user-managerd/remove.d"
	envDirBase    = "/home/.system/var/lib/environment"
)

func main() {
	removeUserFiles := flag.String("removeUserFiles", "", "remove per-user files for the given username and exit")
	flag.Parse()

	audit := logrus.New()
	audit.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	if *removeUserFiles != "" {
		os.Exit(runRemoveUserFiles(*removeUserFiles, audit))
	}

	if err := runDaemon(audit); err != nil {
		audit.WithError(err).Fatal("user-managerd exited with error")
	}
}

func runRemoveUserFiles(username string, audit *logrus.Logger) int {
	log := logger.New()
	store := identity.NewUnixStore(log)

	uid, err := store.UIDForName(username)
	if err != nil {
		audit.WithError(err).WithField("username", username).Error("resolving uid failed")
		return 1
	}

	prov := home.New(log)
	var errs *multierror.Error
	if err := prov.ExecuteHooks(context.Background(), uid, hookRemoveDir); err != nil {
		errs = multierror.Append(errs, err)
	}
	if err := prov.RemoveTree(envDirFor(uid)); err != nil {
		errs = multierror.Append(errs, err)
	}

	if err := errs.ErrorOrNil(); err != nil {
		audit.WithError(err).WithFields(logrus.Fields{"username": username, "uid": uid}).
			Error("removeUserFiles reported failures")
		return 1
	}
	audit.WithFields(logrus.Fields{"username": username, "uid": uid}).Info("removeUserFiles completed")
	return 0
}

func envDirFor(uid ids.UID) string {
	return fmt.Sprintf("%s/%d", envDirBase, uid)
}

func runDaemon(audit *logrus.Logger) error {
	log := logger.New()

	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return fmt.Errorf("connecting to system bus: %w", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dispatcher := unitqueue.NewSystemdDispatcher(conn, log)
	jobRemoved, err := dispatcher.WatchJobRemoved(ctx)
	if err != nil {
		return fmt.Errorf("watching systemd JobRemoved: %w", err)
	}

	coord := coordinator.New(log)
	coord.Identity = identity.NewUnixStore(log)
	coord.Home = home.New(log)
	coord.Quota = quota.New(log)
	coord.Env = envfile.New(log)
	coord.Seat = seat.New(conn)
	coord.CallState = callstate.New(conn)
	coord.JobRemoved = jobRemoved
	coord.Sequencer = unitqueue.New(dispatcher, coord)
	coord.Authz = authz.New(rpcserver.NewPeerResolver(conn, log), log)

	svc, err := rpcserver.Register(conn, coord, log, rpcserver.DefaultIdleTimeout, cancel)
	if err != nil {
		return fmt.Errorf("registering rpc surface: %w", err)
	}
	coord.Signals = svc

	go coord.Run(ctx)

	audit.WithField("service", rpcserver.ServiceName).Info("user-managerd started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case <-ctx.Done():
		audit.Info("idle timeout reached, shutting down")
	case sig := <-sigCh:
		audit.WithField("signal", sig.String()).Info("received signal, shutting down")
		cancel()
	}

	// Give the coordinator's goroutine a moment to observe cancellation
	// before the process exits and the bus connection closes under it.
	time.Sleep(50 * time.Millisecond)
	return nil
}
