package commands

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/klabast/wb-services/bir-tomming/internal/app"
	"github.com/klabast/wb-services/bir-tomming/internal/config"
)

type hashPasswordFlags struct {
	overwrite      bool
	insecureUnmask bool
}

func newHashPasswordCommand(g *globals) *cobra.Command {
	var f hashPasswordFlags
	cmd := &cobra.Command{
		Use:   "hash-password",
		Short: "Create the credentials file protecting POST /api/refresh",
		Long: `Creates an auth.secret file with a hashed password (Argon2id).

Environment Variables:
  ` + config.AuthFileEnv + `    Path to auth file (default: <home>/auth.secret)`,
		RunE: func(cmd *cobra.Command, args []string) error {
			hd, err := g.dir()
			if err != nil {
				return err
			}
			if os.Getenv(config.AuthFileEnv) == "" {
				if err := hd.EnsureExists(); err != nil {
					return err
				}
			}
			p := &prompter{in: bufio.NewReader(cmd.InOrStdin()), out: cmd.OutOrStdout(), stdin: cmd.InOrStdin()}
			return runHashPassword(p, hd.AuthPath(), f)
		},
	}
	cmd.Flags().BoolVar(&f.overwrite, "overwrite", false, "Overwrite existing auth file without asking")
	cmd.Flags().BoolVar(&f.insecureUnmask, "insecure-unmask-password", false, "Show password as plain text (INSECURE!)")
	return cmd
}

func runHashPassword(p *prompter, path string, f hashPasswordFlags) error {
	username, err := p.line("Enter username: ")
	if err != nil {
		return fmt.Errorf("error reading username: %w", err)
	}
	if username == "" {
		return errors.New("username cannot be empty")
	}
	if strings.Contains(username, ":") {
		return errors.New("username cannot contain ':'")
	}

	var password, passwordConfirm string
	if f.insecureUnmask || !p.terminal() {
		if f.insecureUnmask {
			fmt.Fprintf(p.out, "WARNING: Password will be visible on screen!\n")
		}
		if password, err = p.line("Enter password:   "); err != nil {
			return fmt.Errorf("error reading password: %w", err)
		}
		if passwordConfirm, err = p.line("Confirm password: "); err != nil {
			return fmt.Errorf("error reading password confirmation: %w", err)
		}
	} else {
		// Masked mode with asterisks (default, secure)
		password = p.masked("Enter password:   ")
		passwordConfirm = p.masked("Confirm password: ")
	}

	if password == "" {
		return errors.New("password cannot be empty")
	}
	if password != passwordConfirm {
		return errors.New("passwords do not match")
	}

	err = app.CreateAuthFile(path, username, password, f.overwrite)
	if errors.Is(err, app.ErrAuthFileExists) {
		answer, rerr := p.line(fmt.Sprintf("Auth file %s already exists. Overwrite? [y/N]: ", path))
		if rerr != nil {
			return fmt.Errorf("error reading answer: %w", rerr)
		}
		if a := strings.ToLower(answer); a != "y" && a != "yes" {
			return errors.New("aborted, auth file left unchanged")
		}
		err = app.CreateAuthFile(path, username, password, true)
	}
	if err != nil {
		return err
	}

	fmt.Fprintf(p.out, "Auth file written to %s\n", path)
	fmt.Fprintf(p.out, "Restart the server to enable authentication for POST /api/refresh.\n")
	return nil
}

// prompter reads answers from the command's input. Masked input is only
// possible when that input is the terminal.
type prompter struct {
	in    *bufio.Reader
	out   io.Writer
	stdin io.Reader
}

func (p *prompter) line(prompt string) (string, error) {
	fmt.Fprint(p.out, prompt)
	s, err := p.in.ReadString('\n')
	if err != nil && (err != io.EOF || s == "") {
		return "", err
	}
	return strings.TrimRight(s, "\r\n"), nil
}

func (p *prompter) fd() (int, bool) {
	f, ok := p.stdin.(*os.File)
	if !ok {
		return 0, false
	}
	return int(f.Fd()), true
}

func (p *prompter) terminal() bool {
	fd, ok := p.fd()
	return ok && term.IsTerminal(fd)
}

// masked reads a password and echoes asterisks.
func (p *prompter) masked(prompt string) string {
	fmt.Fprint(p.out, prompt)
	fd, _ := p.fd()

	// Save original terminal state
	oldState, err := term.MakeRaw(fd)
	if err != nil {
		// Fallback to hidden input if we can't set raw mode
		password, _ := term.ReadPassword(fd)
		fmt.Fprintln(p.out)
		return string(password)
	}
	defer term.Restore(fd, oldState)

	var password []rune
	for {
		char, _, err := p.in.ReadRune()
		if err != nil {
			break
		}

		switch char {
		case '\n', '\r': // Enter key
			fmt.Fprint(p.out, "\r\n")
			return string(password)
		case 127, 8: // Backspace or Delete
			if len(password) > 0 {
				password = password[:len(password)-1]
				// Clear the asterisk: backspace, space, backspace
				fmt.Fprint(p.out, "\b \b")
			}
		case 3: // Ctrl+C
			term.Restore(fd, oldState)
			fmt.Fprintln(p.out)
			os.Exit(1)
		default:
			if char >= 32 && char != 127 {
				password = append(password, char)
				fmt.Fprint(p.out, "*")
			}
		}
	}

	fmt.Fprint(p.out, "\r\n")
	return string(password)
}
