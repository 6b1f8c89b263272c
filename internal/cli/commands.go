package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/dmitrijs2005/accountkeeper"
)

// Create prompts for the account fields and inserts a new user.
func (a *App) Create(ctx context.Context) error {
	reader := bufio.NewReader(os.Stdin)

	name, err := GetSimpleText(reader, "Enter user name", os.Stdout)
	if err != nil {
		return err
	}
	email, err := GetSimpleText(reader, "Enter email", os.Stdout)
	if err != nil {
		return err
	}
	password, err := GetPassword("Enter password", os.Stdout)
	if err != nil {
		return err
	}
	payload, err := GetSimpleText(reader, "Enter extra data as JSON (empty for none)", os.Stdout)
	if err != nil {
		return err
	}
	if payload == "" {
		payload = "{}"
	}
	if !json.Valid([]byte(payload)) {
		return fmt.Errorf("extra data is not valid JSON")
	}

	id, err := a.backend.CreateUser(ctx, accountkeeper.User[json.RawMessage]{
		Name:     name,
		Email:    email,
		Password: accountkeeper.PlainText(password),
		More:     json.RawMessage(payload),
	})
	if err != nil {
		return err
	}

	fmt.Println(id)
	return nil
}

// Get prints one account as JSON.
func (a *App) Get(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: accountctl get <user-id>")
	}
	id := accountkeeper.UserID(args[0])

	u, err := a.backend.GetUser(ctx, id)
	if err != nil {
		return err
	}
	if u == nil {
		return fmt.Errorf("no user with id %q", id)
	}

	b, err := json.MarshalIndent(accountkeeper.UserEntry[json.RawMessage]{ID: id, User: *u}, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}

// List prints all accounts as a JSON array.
func (a *App) List(ctx context.Context) error {
	entries, err := a.backend.ListUsers(ctx, 0, 0)
	if err != nil {
		return err
	}

	b, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}

// Count prints the number of accounts.
func (a *App) Count(ctx context.Context) error {
	n, err := a.backend.CountUsers(ctx)
	if err != nil {
		return err
	}
	fmt.Println(n)
	return nil
}

// Delete removes an account.
func (a *App) Delete(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: accountctl delete <user-id>")
	}
	if err := a.backend.DeleteUser(ctx, accountkeeper.UserID(args[0])); err != nil {
		return err
	}
	fmt.Println("deleted")
	return nil
}

// Auth prompts for credentials and opens a session, printing its id.
func (a *App) Auth(ctx context.Context) error {
	reader := bufio.NewReader(os.Stdin)

	ident, err := GetSimpleText(reader, "Enter user name or email", os.Stdout)
	if err != nil {
		return err
	}
	password, err := GetPassword("Enter password", os.Stdout)
	if err != nil {
		return err
	}

	sid, err := a.backend.AuthUser(ctx, ident, password, a.cfg.SessionDuration)
	if err != nil {
		return err
	}
	if sid == "" {
		return fmt.Errorf("authentication failed")
	}

	fmt.Println(sid)
	return nil
}

// Housekeep purges expired sessions and dead tokens.
func (a *App) Housekeep(ctx context.Context) error {
	start := time.Now()
	if err := a.backend.Housekeep(ctx); err != nil {
		return err
	}
	a.log.Info("housekeeping finished", "took", time.Since(start).String())
	return nil
}
