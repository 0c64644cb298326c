package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/hongminglow/shop-user-api/internal/auth"
	"github.com/hongminglow/shop-user-api/internal/bootstrap"
	"github.com/hongminglow/shop-user-api/internal/config"
	"github.com/urfave/cli/v2"
	"golang.org/x/term"
)

// readPassword is replaced in tests to avoid touching the terminal.
var readPassword = term.ReadPassword

func newApp(out io.Writer) *cli.App {
	return &cli.App{
		Name:      "accountctl",
		Usage:     "manage the shop user API schema and credentials",
		Writer:    out,
		ErrWriter: out,
		Commands: []*cli.Command{
			migrateCommand(),
			tokenCommand(),
			hashPasswordCommand(),
		},
	}
}

func migrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "apply or inspect schema migrations",
		Subcommands: []*cli.Command{
			{
				Name:  "up",
				Usage: "apply pending migrations",
				Action: func(c *cli.Context) error {
					cfg, err := config.Load()
					if err != nil {
						return err
					}
					store, err := bootstrap.OpenStore(c.Context, cfg, true)
					if err != nil {
						return err
					}
					defer store.Close()

					applied, err := store.Migrate(c.Context)
					if err != nil {
						return err
					}
					if len(applied) == 0 {
						fmt.Fprintln(c.App.Writer, "schema is up to date")
						return nil
					}
					for _, a := range applied {
						fmt.Fprintf(c.App.Writer, "applied %05d %s (%s)\n", a.Version, a.Path, a.Duration.Round(time.Millisecond))
					}
					return nil
				},
			},
			{
				Name:  "status",
				Usage: "list migrations and whether they are applied",
				Action: func(c *cli.Context) error {
					cfg, err := config.Load()
					if err != nil {
						return err
					}
					store, err := bootstrap.OpenStore(c.Context, cfg, true)
					if err != nil {
						return err
					}
					defer store.Close()

					statuses, err := store.MigrationStatus(c.Context)
					if err != nil {
						return err
					}
					tw := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
					fmt.Fprintln(tw, "VERSION\tMIGRATION\tAPPLIED AT")
					for _, s := range statuses {
						at := "pending"
						if s.Applied {
							at = s.AppliedAt.UTC().Format(time.RFC3339)
						}
						fmt.Fprintf(tw, "%05d\t%s\t%s\n", s.Version, s.Path, at)
					}
					return tw.Flush()
				},
			},
		},
	}
}

func tokenCommand() *cli.Command {
	return &cli.Command{
		Name:  "token",
		Usage: "issue or inspect access tokens with the configured secret",
		Subcommands: []*cli.Command{
			{
				Name:      "issue",
				Usage:     "issue a token for a username",
				ArgsUsage: "<username>",
				Flags: []cli.Flag{
					&cli.DurationFlag{Name: "ttl", Usage: "token lifetime; defaults to ACCESS_TOKEN_EXPIRE_MINUTES"},
				},
				Action: func(c *cli.Context) error {
					subject := strings.TrimSpace(c.Args().First())
					if subject == "" {
						return errors.New("username is required")
					}
					tokens, err := loadTokenManager()
					if err != nil {
						return err
					}
					token, err := tokens.Issue(subject, c.Duration("ttl"))
					if err != nil {
						return err
					}
					fmt.Fprintln(c.App.Writer, token.Value)
					fmt.Fprintf(c.App.Writer, "expires %s\n", token.ExpiresAt.Format(time.RFC3339))
					return nil
				},
			},
			{
				Name:      "verify",
				Usage:     "verify a token and print its claims",
				ArgsUsage: "<token>",
				Action: func(c *cli.Context) error {
					value := strings.TrimSpace(c.Args().First())
					if value == "" {
						return errors.New("token is required")
					}
					tokens, err := loadTokenManager()
					if err != nil {
						return err
					}
					claims, err := tokens.Verify(value)
					if err != nil {
						return err
					}
					fmt.Fprintf(c.App.Writer, "subject  %s\nid       %s\nissued   %s\nexpires  %s\n",
						claims.Subject, claims.ID,
						claims.IssuedAt.Format(time.RFC3339), claims.ExpiresAt.Format(time.RFC3339))
					return nil
				},
			},
		},
	}
}

func hashPasswordCommand() *cli.Command {
	return &cli.Command{
		Name:  "hash-password",
		Usage: "read a password and print its bcrypt hash",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "cost", Usage: "bcrypt cost", Value: 10},
			&cli.BoolFlag{Name: "stdin", Usage: "read the password from standard input instead of the terminal"},
		},
		Action: func(c *cli.Context) error {
			password, err := promptPassword(c)
			if err != nil {
				return err
			}
			if password == "" {
				return errors.New("password must not be empty")
			}
			hash, err := auth.NewHasher(c.Int("cost")).Hash(password)
			if err != nil {
				return err
			}
			fmt.Fprintln(c.App.Writer, hash)
			return nil
		},
	}
}

func promptPassword(c *cli.Context) (string, error) {
	if c.Bool("stdin") {
		line, err := bufio.NewReader(c.App.Reader).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return "", err
		}
		return strings.TrimRight(line, "\r\n"), nil
	}
	fmt.Fprint(c.App.ErrWriter, "Enter password: ")
	pw, err := readPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(c.App.ErrWriter)
	if err != nil {
		return "", err
	}
	return string(pw), nil
}

// loadTokenManager needs JWT_SECRET but never opens the database.
func loadTokenManager() (*auth.TokenManager, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return bootstrap.NewTokenManager(cfg)
}
