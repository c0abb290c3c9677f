package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"time"

	"github.com/docopt/docopt-go"
	"go.uber.org/zap"

	"github.com/DoyleJ11/diagram-collab/internal/auth"
	"github.com/DoyleJ11/diagram-collab/internal/bridge"
	"github.com/DoyleJ11/diagram-collab/internal/client"
	"github.com/DoyleJ11/diagram-collab/internal/persist"
	"github.com/DoyleJ11/diagram-collab/pkg/types"
)

const DiagramCtlVersion = "0.1.0"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Diagram collaboration control.

The default urls are:
    server_url: ws://localhost:8080/ws
    store_url: http://localhost:8080

Usage:
    diagramctl token --secret=<secret> --user=<user_id>
        [--issuer=<issuer>] [--name=<name>] [--ttl=<ttl>]
    diagramctl create-project [--store_url=<store_url>] --jwt=<jwt> <name>
    diagramctl watch [--server_url=<server_url>] [--store_url=<store_url>]
        --project=<project_id> [--jwt=<jwt>] [--share=<share_token>] [--name=<name>]
    diagramctl add-node [--server_url=<server_url>] [--store_url=<store_url>]
        --project=<project_id> --jwt=<jwt> --id=<node_id>
        [--label=<label>] [--x=<x>] [--y=<y>]
    diagramctl request-edit [--server_url=<server_url>] [--store_url=<store_url>]
        --project=<project_id> [--jwt=<jwt>] [--share=<share_token>] [--name=<name>]
        [<message>]
    diagramctl approve [--server_url=<server_url>] [--store_url=<store_url>]
        --project=<project_id> --jwt=<jwt> --user=<user_id> [--role=<role>]

Options:
    -h --help                    Show this screen.
    --version                    Show version.
    --server_url=<server_url>    Sync socket url.
    --store_url=<store_url>      Project store url.
    --secret=<secret>            Token signing secret.
    --issuer=<issuer>            Token issuer [default: diagram-collab].
    --ttl=<ttl>                  Token lifetime [default: 24h].
    --jwt=<jwt>                  Your credential.
    --share=<share_token>        Public share token.
    --project=<project_id>       Project id.
    --name=<name>                Display name.
    --user=<user_id>             User id.
    --role=<role>                Role to grant [default: EDITOR].
    --id=<node_id>               Node id.
    --label=<label>              Node label.
    --x=<x>                      Node x [default: 0].
    --y=<y>                      Node y [default: 0].`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], DiagramCtlVersion)
	if err != nil {
		panic(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if token_, _ := opts.Bool("token"); token_ {
		err = token(opts)
	} else if createProject_, _ := opts.Bool("create-project"); createProject_ {
		err = createProject(ctx, opts)
	} else if watch_, _ := opts.Bool("watch"); watch_ {
		err = watch(ctx, opts)
	} else if addNode_, _ := opts.Bool("add-node"); addNode_ {
		err = addNode(ctx, opts)
	} else if requestEdit_, _ := opts.Bool("request-edit"); requestEdit_ {
		err = requestEdit(ctx, opts)
	} else if approve_, _ := opts.Bool("approve"); approve_ {
		err = approve(ctx, opts)
	}
	if err != nil {
		Err.Fatal(err)
	}
}

func token(opts docopt.Opts) error {
	secret, _ := opts.String("--secret")
	issuer, _ := opts.String("--issuer")
	userID, _ := opts.String("--user")
	name, _ := opts.String("--name")
	ttlStr, _ := opts.String("--ttl")
	ttl, err := time.ParseDuration(ttlStr)
	if err != nil {
		return err
	}
	tok, err := auth.New(secret, issuer).Issue(userID, name, ttl)
	if err != nil {
		return err
	}
	Out.Println(tok)
	return nil
}

func createProject(ctx context.Context, opts docopt.Opts) error {
	jwt, _ := opts.String("--jwt")
	name, _ := opts.String("<name>")
	p, err := persist.NewStoreClient(storeURL(opts), jwt, zap.NewNop()).CreateProject(ctx, name)
	if err != nil {
		return err
	}
	return printJSON(p)
}

func watch(ctx context.Context, opts docopt.Opts) error {
	s, _ := session(opts)
	s.OnRender(func(snap types.DiagramSnapshotV1) {
		Out.Printf("diagram: %d nodes, %d edges", len(snap.Nodes), len(snap.Edges))
	})
	s.OnPresence(func(states map[string]types.PresenceState) {
		for peer, st := range states {
			Out.Printf("presence %s %s (%.0f,%.0f)", peer, st.DisplayName, st.Cursor.X, st.Cursor.Y)
		}
	})
	s.OnPermission(func(c client.PermissionChange) {
		Out.Printf("permission: %s role=%s", c.State, c.Role)
	})
	go func() {
		if err := s.WaitSynced(ctx); err == nil {
			Out.Println("synced")
		}
	}()
	return s.Run(ctx)
}

func addNode(ctx context.Context, opts docopt.Opts) error {
	id, _ := opts.String("--id")
	label, _ := opts.String("--label")
	x, err := floatOpt(opts, "--x")
	if err != nil {
		return err
	}
	y, err := floatOpt(opts, "--y")
	if err != nil {
		return err
	}

	s, graph := session(opts)
	return withSession(ctx, s, func(ctx context.Context) error {
		if err := s.Mutate(func() {
			graph.UpsertNode(types.NodeRecord{ID: id, Label: label, X: x, Y: y})
		}); err != nil {
			return err
		}
		// let the capture window and the save debounce run out
		cfg := client.DefaultConfig()
		wait(ctx, cfg.CaptureInterval+cfg.SaveDebounce+time.Second)
		v, err := s.View()
		if err != nil {
			return err
		}
		Out.Printf("diagram: %d nodes, %d edges", len(v.Snapshot.Nodes), len(v.Snapshot.Edges))
		return nil
	})
}

func requestEdit(ctx context.Context, opts docopt.Opts) error {
	message, _ := opts.String("<message>")
	s, _ := session(opts)
	granted := make(chan types.Role, 1)
	s.OnPermission(func(c client.PermissionChange) {
		Out.Printf("permission: %s role=%s", c.State, c.Role)
		if c.Role == types.RoleEditor || c.Role == types.RoleAdmin || c.Role == types.RoleOwner {
			select {
			case granted <- c.Role:
			default:
			}
		}
	})
	return withSession(ctx, s, func(ctx context.Context) error {
		if err := s.RequestEdit(message); err != nil {
			return err
		}
		Out.Println("request sent, waiting for approval")
		select {
		case role := <-granted:
			Out.Printf("granted %s", role)
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
}

func approve(ctx context.Context, opts docopt.Opts) error {
	userID, _ := opts.String("--user")
	role, _ := opts.String("--role")
	s, _ := session(opts)
	return withSession(ctx, s, func(ctx context.Context) error {
		if err := s.ApproveEdit(userID, role); err != nil {
			return err
		}
		wait(ctx, 500*time.Millisecond)
		Out.Printf("approved %s as %s", userID, role)
		return nil
	})
}

func session(opts docopt.Opts) (*client.Session, *bridge.MemoryGraph) {
	cfg := client.DefaultConfig()
	cfg.ServerURL = serverURL(opts)
	cfg.StoreURL = storeURL(opts)
	cfg.ProjectID, _ = opts.String("--project")
	cfg.Credential, _ = opts.String("--jwt")
	cfg.ShareToken, _ = opts.String("--share")
	cfg.DisplayName, _ = opts.String("--name")

	graph := bridge.NewMemoryGraph()
	log, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	return client.New(cfg, graph, nil, log), graph
}

// withSession runs the session in the background, waits for it to sync and
// then runs fn.
func withSession(ctx context.Context, s *client.Session, fn func(context.Context) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- s.Run(ctx) }()

	if err := s.WaitSynced(ctx); err != nil {
		cancel()
		if rerr := <-runErr; rerr != nil {
			return rerr
		}
		return err
	}
	err := fn(ctx)
	cancel()
	<-runErr
	return err
}

func wait(ctx context.Context, d time.Duration) {
	select {
	case <-time.After(d):
	case <-ctx.Done():
	}
}

func serverURL(opts docopt.Opts) string {
	if u, err := opts.String("--server_url"); err == nil && u != "" {
		return u
	}
	return "ws://localhost:8080/ws"
}

func storeURL(opts docopt.Opts) string {
	if u, err := opts.String("--store_url"); err == nil && u != "" {
		return u
	}
	return "http://localhost:8080"
}

func floatOpt(opts docopt.Opts, key string) (float64, error) {
	s, _ := opts.String(key)
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return f, nil
}

func printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	Out.Println(string(b))
	return nil
}
