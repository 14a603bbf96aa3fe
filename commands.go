package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/go-authgate/orgctl/authclient"
	"github.com/go-authgate/orgctl/credstore"
)

func newLoginCmd(a *app) *cobra.Command {
	var (
		email         string
		password      string
		passwordStdin bool
	)

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in and store a new session",
		Long: `Log in with email and password and store the issued token pair.

If no organization is selected yet, the account's default organization
becomes the active one.

Examples:
  # Log in
  orgctl login --email a@a.com --password 'Pass1234!'

  # Read the password from stdin
  echo "$PASSWORD" | orgctl login --email a@a.com --password-stdin`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			pw, err := readSecret(password, passwordStdin, cmd.InOrStdin())
			if err != nil {
				return err
			}
			return a.run(cmd, func(ctx context.Context, s *session) error {
				s.display.Working("Logging in as " + email)
				tok, err := s.client.Login(ctx, email, pw)
				if err != nil {
					return err
				}
				org, err := s.client.ActiveOrg(ctx)
				if err != nil {
					return err
				}
				s.log.Info("logged in", zap.Bool("org_selected", org != ""))
				s.display.LoggedIn(email, org)
				s.display.Done(authclient.Preview(tok.AccessToken), tok.Type(), remaining(tok.Expiry))
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&email, "email", "", "Account email (required)")
	cmd.Flags().StringVar(&password, "password", "", "Account password")
	cmd.Flags().BoolVar(&passwordStdin, "password-stdin", false, "Read the password from stdin")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func newRegisterCmd(a *app) *cobra.Command {
	var (
		email         string
		password      string
		passwordStdin bool
	)

	cmd := &cobra.Command{
		Use:   "register",
		Short: "Create an account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			pw, err := readSecret(password, passwordStdin, cmd.InOrStdin())
			if err != nil {
				return err
			}
			return a.run(cmd, func(ctx context.Context, s *session) error {
				s.display.Working("Registering " + email)
				acct, err := s.client.Register(ctx, email, pw)
				if err != nil {
					return err
				}
				fmt.Fprintf(s.out, "%d\t%s\n", acct.ID, acct.Email)
				s.display.Finished("Account created, run `orgctl login` to start a session")
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&email, "email", "", "Account email (required)")
	cmd.Flags().StringVar(&password, "password", "", "Account password")
	cmd.Flags().BoolVar(&passwordStdin, "password-stdin", false, "Read the password from stdin")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func newLogoutCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Remove stored credentials",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.run(cmd, func(ctx context.Context, s *session) error {
				if err := s.client.Logout(ctx); err != nil {
					return err
				}
				s.display.LoggedOut()
				s.display.Finished("Logged out")
				return nil
			})
		},
	}
}

func newMeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "me",
		Short: "Show the authenticated user as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.run(cmd, func(ctx context.Context, s *session) error {
				s.display.Working("Loading profile")
				me, err := s.client.Me(ctx)
				if err != nil {
					return err
				}
				if err := writeJSON(s.out, me); err != nil {
					return err
				}
				s.display.Finished("Profile loaded")
				return nil
			})
		},
	}
}

func newOrgsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "orgs",
		Short: "List your organizations",
		Long: `List the organizations you belong to. The active one is marked with *.

Examples:
  orgctl orgs
  orgctl orgs create "Acme Inc"
  orgctl orgs current`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.run(cmd, func(ctx context.Context, s *session) error {
				s.display.Working("Loading organizations")
				orgs, err := s.client.ListOrgs(ctx)
				if err != nil {
					return err
				}
				active, err := s.client.ActiveOrg(ctx)
				if err != nil {
					return err
				}

				w := tabwriter.NewWriter(s.out, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "ACTIVE\tID\tNAME\tROLE")
				for _, o := range orgs {
					mark := ""
					if o.ID == active {
						mark = "*"
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", mark, o.ID, o.Name, o.Role)
				}
				if err := w.Flush(); err != nil {
					return err
				}
				s.display.Finished(fmt.Sprintf("%d organization(s)", len(orgs)))
				return nil
			})
		},
	}

	var use bool
	create := &cobra.Command{
		Use:   "create NAME",
		Short: "Create an organization",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, func(ctx context.Context, s *session) error {
				s.display.Working("Creating organization")
				org, err := s.client.CreateOrg(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(s.out, "%s\t%s\n", org.ID, org.Name)
				if use {
					if err := s.client.UseOrg(ctx, org.ID); err != nil {
						return err
					}
					s.display.OrgSelected(org.ID)
				}
				s.display.Finished("Organization created")
				return nil
			})
		},
	}
	create.Flags().BoolVar(&use, "use", false, "Make the new organization active")

	current := &cobra.Command{
		Use:   "current",
		Short: "Show the active organization as seen by the server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.run(cmd, func(ctx context.Context, s *session) error {
				m, err := s.client.CurrentOrg(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(s.out, "%s\t%s\t%s\n", m.ID, m.Name, m.Role)
				s.display.Finished("Active organization " + m.Name)
				return nil
			})
		},
	}

	cmd.AddCommand(create, current)
	return cmd
}

func newUseOrgCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "use-org ID",
		Short: "Select the organization sent with every request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, func(ctx context.Context, s *session) error {
				if err := s.client.UseOrg(ctx, args[0]); err != nil {
					return err
				}
				org, err := s.client.ActiveOrg(ctx)
				if err != nil {
					return err
				}
				s.display.OrgSelected(org)
				s.display.Finished("Organization selected")
				return nil
			})
		},
	}
}

func newStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the stored session without contacting the server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.run(cmd, func(ctx context.Context, s *session) error {
				creds, err := credstore.Snapshot(ctx, s.store)
				if err != nil {
					return err
				}

				w := tabwriter.NewWriter(s.out, 0, 0, 2, ' ', 0)
				fmt.Fprintf(w, "profile:\t%s\n", s.cfg.Profile)
				fmt.Fprintf(w, "store:\t%s\n", s.cfg.Store)
				fmt.Fprintf(w, "logged in:\t%t\n", creds.RefreshToken != "" || creds.AccessToken != "")
				fmt.Fprintf(w, "organization:\t%s\n", orNone(creds.OrgID))

				var expiresIn time.Duration
				if creds.AccessToken != "" {
					if exp, err := authclient.TokenExpiry(creds.AccessToken); err == nil {
						expiresIn = remaining(exp)
						fmt.Fprintf(w, "access expires:\t%s\n", exp.Local().Format(time.RFC3339))
					}
				}
				if err := w.Flush(); err != nil {
					return err
				}

				if creds.AccessToken == "" {
					s.display.Finished("Not logged in")
					return nil
				}
				s.display.Done(authclient.Preview(creds.AccessToken), "Bearer", expiresIn)
				return nil
			})
		},
	}
}

func newCallCmd(a *app) *cobra.Command {
	var (
		method string
		data   string
		count  int
	)

	cmd := &cobra.Command{
		Use:   "call PATH",
		Short: "Send authenticated requests to an API path",
		Long: `Send one or more authenticated requests to PATH.

With -n, the requests are sent concurrently. If the access token has
expired they all share a single refresh and are replayed once.

Examples:
  orgctl call /api/orgs/current/
  orgctl call -X POST -d '{"name":"Acme"}' /api/orgs/
  orgctl call -n 10 /api/auth/me/`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if count < 1 {
				return fmt.Errorf("-n must be at least 1, got %d", count)
			}
			path := args[0]
			if !strings.HasPrefix(path, "/") {
				path = "/" + path
			}
			return a.run(cmd, func(ctx context.Context, s *session) error {
				s.display.Working(fmt.Sprintf("Calling %s %s x%d", strings.ToUpper(method), path, count))
				return runCalls(ctx, s, strings.ToUpper(method), path, data, count)
			})
		},
	}

	cmd.Flags().StringVarP(&method, "request", "X", http.MethodGet, "HTTP method")
	cmd.Flags().StringVarP(&data, "data", "d", "", "JSON request body")
	cmd.Flags().IntVarP(&count, "count", "n", 1, "Number of concurrent requests")
	return cmd
}

// runCalls sends count requests concurrently. With a single request the
// response body is copied to stdout.
func runCalls(ctx context.Context, s *session, method, path, data string, count int) error {
	var (
		mu     sync.Mutex
		failed int
	)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < count; i++ {
		g.Go(func() error {
			status, body, err := callOnce(gctx, s, method, path, data, count == 1)
			if err != nil {
				// A terminated session fails every call the same way.
				if errors.Is(err, authclient.ErrSessionEnded) {
					return err
				}
				s.log.Warn("call failed", zap.Error(err))
				mu.Lock()
				failed++
				mu.Unlock()
				return nil
			}
			if status >= 400 {
				mu.Lock()
				failed++
				mu.Unlock()
			}
			if body != nil {
				_, _ = s.out.Write(body)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d call(s) failed", failed, count)
	}
	s.display.Finished(fmt.Sprintf("%d call(s) completed", count))
	return nil
}

func callOnce(
	ctx context.Context,
	s *session,
	method, path, data string,
	keepBody bool,
) (int, []byte, error) {
	var body io.Reader
	if data != "" {
		body = strings.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, s.client.BaseURL()+path, body)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if data != "" {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := s.client.Do(ctx, req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	var out []byte
	if keepBody {
		out, err = io.ReadAll(resp.Body)
		if err != nil {
			return resp.StatusCode, nil, fmt.Errorf("failed to read response: %w", err)
		}
	} else {
		_, _ = io.Copy(io.Discard, resp.Body)
	}
	s.display.CallResult(method, path, resp.StatusCode, time.Since(start))
	return resp.StatusCode, out, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// remaining converts an expiry into a display duration; zero means unknown.
func remaining(exp time.Time) time.Duration {
	if exp.IsZero() {
		return 0
	}
	d := time.Until(exp).Round(time.Second)
	if d == 0 {
		return -time.Second
	}
	return d
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}
