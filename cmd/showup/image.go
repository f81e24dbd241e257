package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/StevenMolina22/events-api/internal/build"
	"github.com/StevenMolina22/events-api/internal/config"
	"github.com/StevenMolina22/events-api/internal/descriptor"
	"github.com/StevenMolina22/events-api/internal/docker"
	"github.com/StevenMolina22/events-api/internal/logging"
	"github.com/StevenMolina22/events-api/internal/notify"
	"github.com/StevenMolina22/events-api/internal/semver"
	"github.com/StevenMolina22/events-api/internal/state"
)

type imageOptions struct {
	root       *rootOptions
	descriptor string
}

func newImageCmd(root *rootOptions) *cobra.Command {
	opts := &imageOptions{root: root}
	cmd := &cobra.Command{
		Use:   "image",
		Short: "Build and launch the API container image",
	}
	cmd.PersistentFlags().StringVar(&opts.descriptor, "descriptor", "", "build descriptor (default from config, showup.build.yaml)")
	cmd.AddCommand(
		newDockerfileCmd(opts),
		newPlanCmd(opts),
		newBuildCmd(opts),
		newRunCmd(opts),
		newCacheCmd(opts),
	)
	return cmd
}

// setup loads config and the descriptor. Logs go to stderr so stdout stays
// machine-readable.
func (o *imageOptions) setup() (*config.Config, *descriptor.Descriptor, func(), error) {
	cfg, err := loadConfig(o.root)
	if err != nil {
		return nil, nil, nil, err
	}
	cleanup, err := initLogging(os.Stderr)
	if err != nil {
		return nil, nil, nil, err
	}
	d, err := o.loadDescriptor(cfg)
	if err != nil {
		cleanup()
		return nil, nil, nil, err
	}
	return cfg, d, cleanup, nil
}

// loadDescriptor falls back to the built-in recipe when the default
// descriptor file is absent. An explicit path must exist.
func (o *imageOptions) loadDescriptor(cfg *config.Config) (*descriptor.Descriptor, error) {
	p := o.descriptor
	explicit := p != ""
	if !explicit {
		p = cfg.DescriptorPath
	}
	if _, err := os.Stat(p); err != nil && errors.Is(err, os.ErrNotExist) && !explicit {
		logging.Get().Debug().Str("path", p).Msg("no descriptor file, using built-in recipe")
		return descriptor.Default(), nil
	}
	return descriptor.Load(p)
}

func newDockerfileCmd(opts *imageOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "dockerfile",
		Short: "Print the equivalent Dockerfile",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, d, cleanup, err := opts.setup()
			if err != nil {
				return err
			}
			defer cleanup()
			if err := d.Validate(); err != nil {
				return err
			}
			_, err = io.WriteString(cmd.OutOrStdout(), d.Dockerfile())
			return err
		},
	}
}

func newPlanCmd(opts *imageOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "plan",
		Short: "Run pre-flight checks and print the layer plan",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, d, cleanup, err := opts.setup()
			if err != nil {
				return err
			}
			defer cleanup()
			in, err := build.Prepare(d)
			if err != nil {
				return err
			}
			return build.NewPlan(d, in).WriteTable(cmd.OutOrStdout())
		},
	}
}

func newEngine(cfg *config.Config) (docker.Client, error) {
	ensureDockerSocketAccessible(cfg)
	cli, err := docker.NewClientForHost(cfg.DockerHost, cfg.RegistryUser, cfg.RegistryPass, true)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return cli, nil
}

func newBuildCmd(opts *imageOptions) *cobra.Command {
	var tag string
	var noCache bool
	cmd := &cobra.Command{
		Use:   "build",
		Short: "Build the image, reusing cached layers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, d, cleanup, err := opts.setup()
			if err != nil {
				return err
			}
			defer cleanup()
			logWarnings(cfg)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			if cfg.BuildTimeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, cfg.BuildTimeout)
				defer cancel()
			}

			cli, err := newEngine(cfg)
			if err != nil {
				return err
			}
			if err := cli.Ping(ctx); err != nil {
				return err
			}

			notifier := notify.New(cfg.NotificationLevel, notify.Webhooks{
				Slack:   cfg.SlackWebhook,
				Discord: cfg.DiscordWebhook,
				Generic: cfg.GenericWebhookURL,
			})
			resolver := semver.NewResolver()
			if cfg.RegistryUser != "" {
				resolver = semver.NewResolverWithAuth(cfg.RegistryUser, cfg.RegistryPass)
			}
			b := build.NewBuilder(cli, state.NewStore(cfg.StateDir),
				build.WithResolver(resolver), build.WithNotifier(notifier))

			res, err := b.Build(ctx, d, build.Options{Tag: tag, NoCache: noCache})
			waitNotifications(notifier)
			if err != nil {
				var ce *docker.CommandError
				if errors.As(err, &ce) && ce.LogTail != "" {
					fmt.Fprintln(cmd.ErrOrStderr(), ce.LogTail)
				}
				return err
			}
			return writeResult(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().StringVar(&tag, "tag", "", "output tag (default from descriptor)")
	cmd.Flags().BoolVar(&noCache, "no-cache", false, "execute every step even when a cached layer exists")
	return cmd
}

func waitNotifications(n *notify.MultiNotifier) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := n.Wait(ctx); err != nil {
		logging.Get().Warn().Err(err).Msg("notifications still pending at exit")
	}
}

func writeResult(w io.Writer, res *build.Result) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "STEP\tKIND\tIMAGE\tCACHED\tDURATION\n")
	for _, l := range res.Layers {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%t\t%s\n", l.Index, l.Kind, shortImage(l.ImageID), l.Cached, l.Duration.Round(time.Millisecond))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "built %s (%s) from %s, %d/%d layers cached\n",
		res.Tag, shortImage(res.ImageID), res.Base, res.CachedLayers(), len(res.Layers))
	return err
}

func shortImage(id string) string {
	const prefix = "sha256:"
	if len(id) > len(prefix) && id[:len(prefix)] == prefix {
		id = id[len(prefix):]
	}
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func newRunCmd(opts *imageOptions) *cobra.Command {
	var tag, healthPath string
	var publish int
	var timeout time.Duration
	var detach bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the image and wait until it serves requests",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, d, cleanup, err := opts.setup()
			if err != nil {
				return err
			}
			defer cleanup()
			if tag == "" {
				tag = d.Tag
			}
			if !cmd.Flags().Changed("timeout") {
				timeout = cfg.StartupTimeout
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			cli, err := newEngine(cfg)
			if err != nil {
				return err
			}
			if err := cli.Ping(ctx); err != nil {
				return err
			}
			svc, err := cli.RunService(ctx, tag, docker.ServiceOptions{
				Name:           d.Name,
				ContainerPort:  d.Port,
				HostIP:         d.Host,
				HostPort:       publish,
				HealthPath:     healthPath,
				StartupTimeout: timeout,
			})
			if err != nil {
				var se *docker.StartError
				if errors.As(err, &se) && se.LogTail != "" {
					fmt.Fprintln(cmd.ErrOrStderr(), se.LogTail)
				}
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s ready at %s (container %s)\n", tag, svc.URL, shortImage(svc.ID))
			if detach {
				return nil
			}

			<-ctx.Done()
			logging.Get().Info().Msg("shutdown signal received, stopping container")
			sctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			return cli.StopService(sctx, svc.ID)
		},
	}
	cmd.Flags().StringVar(&tag, "tag", "", "image to run (default from descriptor)")
	cmd.Flags().IntVar(&publish, "publish", 8080, "host port; 0 lets the engine choose")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "startup deadline")
	cmd.Flags().StringVar(&healthPath, "health-path", "/health", "HTTP path probed for readiness; empty for a TCP check")
	cmd.Flags().BoolVar(&detach, "detach", false, "leave the container running and exit once it is ready")
	return cmd
}

func newCacheCmd(opts *imageOptions) *cobra.Command {
	var prune bool
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "List cached layers; --prune removes them",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, cleanup, err := opts.setup()
			if err != nil {
				return err
			}
			defer cleanup()
			store := state.NewStore(cfg.StateDir)
			logging.Get().Debug().Str("index", store.Path()).Msg("reading layer index")
			recs, err := store.All()
			if err != nil {
				return err
			}
			if !prune {
				return writeCache(cmd.OutOrStdout(), recs)
			}

			cli, err := newEngine(cfg)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			var errs []error
			for _, r := range recs {
				if err := cli.RemoveImage(ctx, r.ImageID); err != nil {
					errs = append(errs, err)
					continue
				}
				if err := store.RemoveByImageID(r.ImageID); err != nil {
					errs = append(errs, err)
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pruned %d of %d cached layers\n", len(recs)-len(errs), len(recs))
			return errors.Join(errs...)
		},
	}
	cmd.Flags().BoolVar(&prune, "prune", false, "remove cached layer images and their index entries")
	return cmd
}

func writeCache(w io.Writer, recs map[string]state.LayerRecord) error {
	list := make([]state.LayerRecord, 0, len(recs))
	for _, r := range recs {
		list = append(list, r)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].CreatedAt.Before(list[j].CreatedAt) })
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "STEP\tIMAGE\tKEY\tCREATED\n")
	for _, r := range list {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.Step, shortImage(r.ImageID), shortImage(r.Key), r.CreatedAt.Format(time.RFC3339))
	}
	return tw.Flush()
}

// checkDockerSocketAccess connects to the engine socket. A missing socket
// is not an error; the engine may be remote.
func checkDockerSocketAccess(path string) error {
	fi, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if fi.Mode()&os.ModeSocket == 0 {
		return fmt.Errorf("%s is not a unix socket", path)
	}
	conn, err := net.DialTimeout("unix", path, 2*time.Second)
	if err != nil {
		return err
	}
	return conn.Close()
}

func ensureDockerSocketAccessible(cfg *config.Config) {
	if cfg.DockerHost != "" || cfg.HostSocketPath == "" {
		return
	}
	if err := checkDockerSocketAccess(cfg.HostSocketPath); err != nil {
		if errors.Is(err, os.ErrPermission) {
			logging.Get().Warn().Str("socket", cfg.HostSocketPath).Msg("permission denied accessing the docker socket; add the user to the docker group")
			return
		}
		logging.Get().Warn().Err(err).Msg("problem accessing the docker socket; continuing but operations may fail")
	}
}
