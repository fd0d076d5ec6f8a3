// Command setpassword gives an account a usable password, creating the
// account first with -create. The password is read from AUTH_NEW_PASSWORD
// or, when that is unset, from the first line of stdin.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"myconnectionsvr/webhome/internal/app"
	"myconnectionsvr/webhome/internal/auth"
	"myconnectionsvr/webhome/internal/config"
)

func main() {
	username := flag.String("username", "", "account login")
	create := flag.Bool("create", false, "create the account if it does not exist")
	system := flag.Bool("system", false, "grant system privilege to a created account")
	external := flag.Bool("external", false, "mark a created account as an external (portal) user")
	name := flag.String("name", "", "display name for a created account")
	flag.Parse()

	if strings.TrimSpace(*username) == "" {
		log.Fatalf("-username is required")
	}
	password, err := readPassword(os.Stdin)
	if err != nil {
		log.Fatalf("read password: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	accounts, err := app.NewAccounts(cfg)
	if err != nil {
		log.Fatalf("open accounts: %v", err)
	}
	defer accounts.Close()

	ctx := context.Background()
	svc := accounts.Auth()
	u, err := svc.SetPassword(ctx, *username, password)
	if errors.Is(err, auth.ErrUnknownUser) && *create {
		nu := auth.User{Username: *username, Name: *name, Kind: auth.KindInternal, Privilege: auth.PrivilegeRegular}
		if *system {
			nu.Privilege = auth.PrivilegeSystem
		}
		if *external {
			nu.Kind = auth.KindExternal
		}
		u, err = svc.CreateUser(ctx, nu, password)
	}
	if err != nil {
		accounts.Close()
		log.Fatalf("set password for %s: %v", *username, err)
	}
	fmt.Printf("password set for %s (id %s, %s, %s)\n", u.Username, u.ID, u.Kind, u.Privilege)
}

func readPassword(r io.Reader) (string, error) {
	if v, ok := os.LookupEnv("AUTH_NEW_PASSWORD"); ok && v != "" {
		return v, nil
	}
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return "", fmt.Errorf("empty password")
	}
	return line, nil
}
