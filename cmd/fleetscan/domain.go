package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/user/fleetscan/internal/credentials"
	"github.com/user/fleetscan/internal/storage"
	"github.com/user/fleetscan/internal/util"
)

var domainUsername string

var domainCmd = &cobra.Command{
	Use:   "domain",
	Short: "Manage per-domain scan credentials",
}

var domainSetCmd = &cobra.Command{
	Use:   "set <domain>",
	Short: "Store the credential used for hosts in a domain",
	Long: `Store the administrative credential for every host in a domain.

The password is read from the terminal without echo, or from the first line
of stdin when stdin is not a terminal. It is encrypted with age to the
configured recipient (or the local identity) before it is stored.

Examples:
  fleetscan domain set corp.local --username 'CORP\svc-inventory'
  echo "$PW" | fleetscan domain set lab.local --username administrator`,
	Args: cobra.ExactArgs(1),
	RunE: runDomainSet,
}

var domainListCmd = &cobra.Command{
	Use:   "list",
	Short: "List domains with stored credentials",
	RunE:  runDomainList,
}

var domainKeygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate the age identity used to decrypt domain credentials",
	RunE:  runDomainKeygen,
}

func init() {
	domainSetCmd.Flags().StringVarP(&domainUsername, "username", "u", "", "Account name, e.g. CORP\\svc-inventory")
	domainSetCmd.MarkFlagRequired("username")

	domainCmd.AddCommand(domainSetCmd, domainListCmd, domainKeygenCmd)
}

func runDomainSet(cmd *cobra.Command, args []string) error {
	domain := strings.ToLower(strings.TrimSuffix(strings.TrimSpace(args[0]), "."))
	if domain == "" {
		return errors.New("domain must not be empty")
	}

	password, err := readPassword(fmt.Sprintf("Password for %s@%s: ", domainUsername, domain))
	if err != nil {
		return err
	}
	if password == "" {
		return errors.New("password must not be empty")
	}

	cipher, err := newCipher()
	if err != nil {
		return err
	}
	sealed, err := cipher.Encrypt(password)
	if err != nil {
		return fmt.Errorf("failed to encrypt password: %w", err)
	}

	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	if err := storage.NewDomainStorage(db).Upsert(context.Background(), domain, domainUsername, sealed, time.Now()); err != nil {
		return err
	}

	fmt.Printf("Stored credential for %s\n", domain)
	return nil
}

func runDomainList(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	domains, err := storage.NewDomainStorage(db).List(context.Background())
	if err != nil {
		return err
	}
	if len(domains) == 0 {
		fmt.Println("No domain credentials stored")
		return nil
	}

	fmt.Println(titleStyle.Render("Domains"))
	for _, d := range domains {
		fmt.Printf("  %-30s %s %s\n", d.Domain, valueStyle.Render(d.Username),
			labelStyle.Render("updated "+formatTime(&d.UpdatedAt)))
	}
	return nil
}

func runDomainKeygen(cmd *cobra.Command, args []string) error {
	if err := util.EnsureDir(cfg.DataDir); err != nil {
		return err
	}
	pub, err := credentials.GenerateIdentity(cfg.IdentityFile)
	if err != nil {
		return err
	}
	fmt.Printf("Identity written to %s\n", cfg.IdentityFile)
	fmt.Printf("Public key: %s\n", pub)
	return nil
}

func newCipher() (*credentials.AgeCipher, error) {
	identity := ""
	if util.FileExists(cfg.IdentityFile) {
		identity = cfg.IdentityFile
	}
	if identity == "" && cfg.Recipient == "" {
		return nil, errors.New("no age recipient configured; run 'fleetscan domain keygen' or set recipient")
	}
	return credentials.NewAgeCipher(identity, cfg.Recipient)
}

func readPassword(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		fmt.Fprint(os.Stderr, prompt)
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		return string(b), nil
	}

	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("failed to read password from stdin: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}
