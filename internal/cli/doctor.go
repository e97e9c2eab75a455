package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ddikddak/dockerclaw-sub000/internal/config"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

func newDoctorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Verify configuration, store and relay connectivity",
		RunE: func(cmd *cobra.Command, args []string) error {
			home := config.MustHomeFrom(cmd.Context())
			out := cmd.OutOrStdout()

			var problems []string

			c, err := config.Load(home)
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}
			_, _ = fmt.Fprintf(out, "config: ok (driver=%s, port=%d)\n", c.Database.Driver, c.Port)

			st, err := openStore(home)
			if err != nil {
				problems = append(problems, "store: "+err.Error())
			} else {
				_, err := st.CountCardsByStatus(cmd.Context())
				_ = st.Close()
				if err != nil {
					problems = append(problems, "store: "+err.Error())
				} else {
					_, _ = fmt.Fprintln(out, "store: ok")
				}
			}

			if c.Redis.URL != "" {
				if err := pingRedis(cmd.Context(), c.Redis.URL); err != nil {
					problems = append(problems, "redis: "+err.Error())
				} else {
					_, _ = fmt.Fprintln(out, "redis: ok")
				}
			}

			if len(problems) > 0 {
				for _, p := range problems {
					_, _ = fmt.Fprintln(cmd.ErrOrStderr(), p)
				}
				return errors.New("doctor checks failed")
			}

			_, _ = fmt.Fprintln(out, "ok")
			return nil
		},
	}
	return cmd
}

func pingRedis(ctx context.Context, url string) error {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return err
	}
	rdb := redis.NewClient(opt)
	defer func() { _ = rdb.Close() }()
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return rdb.Ping(ctx).Err()
}
