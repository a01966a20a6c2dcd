package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"time"

	"github.com/Shasikumar10/Chat-App/internal/auth"
	"github.com/Shasikumar10/Chat-App/internal/client"
	"github.com/Shasikumar10/Chat-App/internal/config"
	"github.com/Shasikumar10/Chat-App/internal/instance"
	"github.com/Shasikumar10/Chat-App/internal/lock"
	"github.com/golang-jwt/jwt"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func main() {
	instanceFlag := flag.String("instance", "", "instance name (overrides config default)")
	configFlag := flag.String("config", "", "config file (default ~/.chatd/config.toml)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	configPath := *configFlag
	if configPath == "" {
		configPath = instance.ConfigPath()
	}

	// Commands that do not talk to a daemon.
	switch args[0] {
	case "instances":
		cmdInstances(*jsonFlag)
		return
	case "config":
		if len(args) < 2 || args[1] != "init" {
			fmt.Fprintln(os.Stderr, "usage: chatctl config init")
			os.Exit(1)
		}
		cmdConfigInit(configPath)
		return
	case "token":
		cmdToken(configPath, args[1:])
		return
	}

	name := instance.Resolve(*instanceFlag)
	if err := instance.ValidateName(name); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	c, err := client.New(instance.SocketPath(name))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: cannot connect to daemon for instance %q: %v\n", name, err)
		os.Exit(1)
	}
	defer func() { _ = c.Close() }()

	switch args[0] {
	case "status":
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		cmdStatus(ctx, c, *jsonFlag)
	case "health":
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		cmdHealth(ctx, c)
	case "watch":
		prefix := ""
		if len(args) >= 2 {
			prefix = args[1]
		}
		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
		defer cancel()
		cmdWatch(ctx, c, prefix)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: chatctl [--instance <name>] [--config <path>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  status                 Show daemon state and counters")
	fmt.Fprintln(os.Stderr, "  health                 Check the gRPC health service")
	fmt.Fprintln(os.Stderr, "  watch [prefix]         Stream daemon events (e.g. event., push.)")
	fmt.Fprintln(os.Stderr, "  instances              List known instances")
	fmt.Fprintln(os.Stderr, "  config init            Write a default config file")
	fmt.Fprintln(os.Stderr, "  token <user> [flags]   Sign a development access token")
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

func cmdStatus(ctx context.Context, c *client.Client, jsonOut bool) {
	resp, err := c.Admin.Stats(ctx)
	if err != nil {
		fail(err)
	}
	fields := resp.AsMap()
	if jsonOut {
		outputJSON(fields)
		return
	}
	fmt.Printf("Instance:      %v\n", fields["instance"])
	fmt.Printf("State:         %v (since %v)\n", fields["state"], fields["since"])
	fmt.Printf("Uptime:        %vms\n", fields["uptime_ms"])
	fmt.Printf("Connections:   %v (%v users online, %v rooms)\n", fields["connections"], fields["online_users"], fields["rooms"])
	fmt.Printf("Conversations: %v\n", fields["conversations"])
	fmt.Printf("Messages:      %v\n", fields["messages"])
	fmt.Printf("Push queued:   %v\n", fields["push_queued"])
}

func cmdHealth(ctx context.Context, c *client.Client) {
	resp, err := c.Health.Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		fail(err)
	}
	fmt.Println(resp.GetStatus())
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		os.Exit(2)
	}
}

func cmdWatch(ctx context.Context, c *client.Client, prefix string) {
	stream, err := c.Admin.WatchEvents(ctx, prefix)
	if err != nil {
		fail(err)
	}
	for {
		evt, err := stream.Recv()
		if errors.Is(err, io.EOF) || ctx.Err() != nil {
			return
		}
		if err != nil {
			fail(err)
		}
		line, _ := json.Marshal(evt.AsMap())
		fmt.Println(string(line))
	}
}

func cmdInstances(jsonOut bool) {
	names, err := instance.List()
	if err != nil {
		fail(err)
	}
	type row struct {
		Name    string `json:"name"`
		Running bool   `json:"running"`
		PID     int    `json:"pid,omitempty"`
		Addr    string `json:"addr,omitempty"`
	}
	rows := make([]row, 0, len(names))
	for _, n := range names {
		r := row{Name: n}
		// A held lock means a daemon owns the instance.
		if lk, err := lock.Acquire(instance.Dir(n), ""); err == nil {
			_ = lk.Release()
		} else {
			var held *lock.LockHeldError
			if errors.As(err, &held) {
				r.Running = true
				r.PID = held.Owner.PID
				r.Addr = held.Owner.Addr
			}
		}
		rows = append(rows, r)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Name < rows[j].Name })

	if jsonOut {
		outputJSON(rows)
		return
	}
	if len(rows) == 0 {
		fmt.Println("No instances found.")
		return
	}
	for _, r := range rows {
		if r.Running {
			fmt.Printf("%-20s running (pid %d, %s)\n", r.Name, r.PID, r.Addr)
		} else {
			fmt.Printf("%-20s stopped\n", r.Name)
		}
	}
}

func cmdConfigInit(path string) {
	if _, err := os.Stat(path); err == nil {
		fail(fmt.Errorf("%s already exists", path))
	}
	if err := config.Save(path, config.Default()); err != nil {
		fail(err)
	}
	fmt.Printf("Wrote %s\n", path)
}

func cmdToken(configPath string, args []string) {
	fs := flag.NewFlagSet("token", flag.ExitOnError)
	name := fs.String("name", "", "display name claim")
	admin := fs.Bool("admin", false, "grant the privileged admin claim")
	ttl := fs.Duration("ttl", 24*time.Hour, "token lifetime")
	envFile := fs.String("env-file", ".env", "dotenv file with CHATD_JWT_SECRET")
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: chatctl token <user> [--name N] [--admin] [--ttl 24h]")
		os.Exit(1)
	}
	user := args[0]
	_ = fs.Parse(args[1:])

	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		fail(err)
	}
	if err := cfg.ApplyEnv(*envFile); err != nil {
		fail(err)
	}
	if cfg.Auth.JWTSecret == "" {
		fail(errors.New("auth.jwt_secret is not configured"))
	}

	now := time.Now()
	token, err := auth.New(cfg.Auth.JWTSecret, cfg.Auth.JWTIssuer).Sign(
		auth.Identity{UserID: user, DisplayName: *name, Privileged: *admin},
		jwt.StandardClaims{
			Issuer:    cfg.Auth.JWTIssuer,
			IssuedAt:  now.Unix(),
			ExpiresAt: now.Add(*ttl).Unix(),
		},
	)
	if err != nil {
		fail(err)
	}
	fmt.Println(token)
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}
