package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/loykin/procguard"
	"github.com/loykin/procguard/pkg/client"
)

const defaultAPIUrl = "http://127.0.0.1:8091/api"

// command carries what every subcommand needs; out is where results are printed.
type command struct {
	out io.Writer
}

func (c command) client(f APIFlags) (*client.Client, error) {
	url := f.APIUrl
	if url == "" {
		url = defaultAPIUrl
	}
	cc := client.Config{BaseURL: url, Timeout: f.APITimeout, Insecure: f.Insecure}
	if f.CACert != "" {
		cc.TLS = &client.TLSClientConfig{Enabled: true, CACert: f.CACert}
	}
	cl := client.New(cc)
	ctx, cancel := context.WithTimeout(context.Background(), timeoutOr(f.APITimeout))
	defer cancel()
	if !cl.IsReachable(ctx) {
		return nil, fmt.Errorf("daemon not reachable at %s - please start daemon first with 'procguard serve'", url)
	}
	return cl, nil
}

func (c command) Status(f APIFlags) error {
	cl, err := c.client(f)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeoutOr(f.APITimeout))
	defer cancel()
	st, err := cl.Status(ctx)
	if err != nil {
		return err
	}
	printJSON(c.out, st)
	return nil
}

func (c command) Login(f APIFlags) error {
	cl, err := c.client(f)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeoutOr(f.APITimeout))
	defer cancel()
	if err := cl.Login(ctx); err != nil {
		return err
	}
	_, _ = fmt.Fprintln(c.out, "login reported")
	return nil
}

func (c command) Events(f APIFlags) error {
	cl, err := c.client(f)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeoutOr(f.APITimeout))
	defer cancel()
	events, err := cl.Events(ctx)
	if err != nil {
		return err
	}
	printJSON(c.out, events)
	return nil
}

func (c command) Raise(f RaiseFlags) error {
	if f.EventID == 0 {
		return fmt.Errorf("event id is required")
	}
	cl, err := c.client(f.APIFlags)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeoutOr(f.APITimeout))
	defer cancel()
	key, err := cl.Raise(ctx, client.RaiseRequest{EventID: f.EventID, ScenarioID: f.ScenarioID, Source: f.Source, Args: f.Args})
	if err != nil {
		return err
	}
	printJSON(c.out, map[string]uint64{"event_key": key})
	return nil
}

func (c command) Ack(f AckFlags) error {
	if f.Key == 0 {
		return fmt.Errorf("event key is required")
	}
	cl, err := c.client(f.APIFlags)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeoutOr(f.APITimeout))
	defer cancel()
	if err := cl.Acknowledge(ctx, f.Key, strings.ToLower(f.Type)); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(c.out, "event %d acknowledged (%s)\n", f.Key, strings.ToLower(f.Type))
	return nil
}

func (c command) AckRef(f AckRefFlags) error {
	if f.Ref == "" {
		return fmt.Errorf("ref is required")
	}
	cl, err := c.client(f.APIFlags)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeoutOr(f.APITimeout))
	defer cancel()
	if err := cl.AcknowledgeRef(ctx, f.Ref, !f.NOK); err != nil {
		return err
	}
	answer := "OK"
	if f.NOK {
		answer = "NOK"
	}
	_, _ = fmt.Fprintf(c.out, "ref %s answered %s\n", f.Ref, answer)
	return nil
}

// ErrCode resolves error codes from a scenario file without a daemon.
func (c command) ErrCode(f ErrCodeFlags) error {
	if f.File == "" {
		return fmt.Errorf("scenario file is required")
	}
	tbl, err := procguard.LoadScenarios(f.File)
	if err != nil {
		return err
	}
	if f.List {
		type row struct {
			procguard.ScenarioEvent
			Mappings map[string]uint32 `json:"mappings,omitempty"`
		}
		var rows []row
		for _, e := range tbl.Events() {
			rows = append(rows, row{e, tbl.Mappings(e.ID)})
		}
		printJSON(c.out, map[string]any{"prefix": tbl.Prefix(), "events": rows})
		return nil
	}
	if f.EventID == 0 {
		return fmt.Errorf("event id is required")
	}
	code := tbl.GetErrorCode(f.EventID, f.ScenarioID)
	_, _ = fmt.Fprintf(c.out, "event=%d scenario=%d error_code=%d\n", f.EventID, f.ScenarioID, code)
	return nil
}

// CheckSettings validates a process settings file and prints what the supervisor would use.
func (c command) CheckSettings(f CheckSettingsFlags) error {
	if f.File == "" {
		return fmt.Errorf("settings file is required")
	}
	s, err := procguard.ReadSettings(f.File, f.Name)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(c.out, "process:      %s\n", s.Name)
	_, _ = fmt.Fprintf(c.out, "startCommand: %s\n", s.StartCommand)
	_, _ = fmt.Fprintf(c.out, "remoteFlag:   %s\n", s.RemoteLoginEnabled)
	_, _ = fmt.Fprintf(c.out, "timeOut:      %d\n", s.RemoteLoginTimeout)
	return nil
}
