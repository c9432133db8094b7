package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"github.com/aryan0dhankhar/facilityaccess/internal/domain"
	"github.com/aryan0dhankhar/facilityaccess/internal/security/auth"
)

func runToken(args []string) error {
	fs := newFlagSet("token")
	var tenant, user, email, role string
	var ttl time.Duration
	var printOnly bool
	fs.StringVar(&tenant, "tenant", "", "tenant id")
	fs.StringVar(&user, "user", "", "operator user id")
	fs.StringVar(&email, "email", "", "operator email")
	fs.StringVar(&role, "role", "ADMIN", "operator role")
	fs.DurationVar(&ttl, "ttl", 12*time.Hour, "token lifetime")
	fs.BoolVarP(&printOnly, "print", "p", false, "print the token instead of saving it")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if tenant == "" || user == "" {
		return errors.New("--tenant and --user are required")
	}
	r, err := domain.ParseRole(role)
	if err != nil {
		return err
	}
	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		return errors.New("JWT_SECRET is not set")
	}

	token, err := auth.NewTokenManager(secret, "facilityaccess").GenerateToken(tenant, user, email, r, ttl)
	if err != nil {
		return err
	}
	if printOnly {
		fmt.Println(token)
		return nil
	}
	if err := saveToken(token); err != nil {
		return fmt.Errorf("save token: %w", err)
	}
	fmt.Printf("✓ Token for %s (%s) in %s saved to %s\n", user, r, tenant, tokenFile())
	return nil
}

func runEvaluate(args []string) error {
	fs := newFlagSet("evaluate")
	door := fs.String("door", "", "door id")
	user := fs.String("user", "", "user id (default: the operator)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *door == "" {
		return errors.New("--door is required")
	}
	body := map[string]string{"doorId": *door}
	if *user != "" {
		body["userId"] = *user
	}
	out, err := call("POST", "/api/v1/access/evaluate", nil, body)
	if err != nil {
		return err
	}

	var resp struct {
		Decision domain.Decision `json:"decision"`
	}
	if err := json.Unmarshal(out, &resp); err != nil {
		return printJSON(out)
	}
	verdict := "DENIED"
	if resp.Decision.Granted {
		verdict = "GRANTED"
	}
	fmt.Printf("%s: %s\n", verdict, resp.Decision.Reason)
	if resp.Decision.RuleID != "" {
		fmt.Printf("  rule: %s\n", resp.Decision.RuleID)
	}
	for i, step := range resp.Decision.Steps {
		fmt.Printf("  %2d. %s\n", i+1, step)
	}
	return nil
}

func runUnlock(args []string) error {
	fs := newFlagSet("unlock")
	door := fs.String("door", "", "door id")
	user := fs.String("user", "", "unlock on behalf of this user")
	method := fs.String("method", "", "access method (APP, REMOTE, ...)")
	beacon := fs.String("beacon", "", "beacon id seen by the device")
	rssi := fs.Int("rssi", 0, "beacon signal strength in dBm")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *door == "" {
		return errors.New("--door is required")
	}
	body := map[string]any{}
	if *user != "" {
		body["userId"] = *user
	}
	if *method != "" {
		body["method"] = *method
	}
	if *beacon != "" {
		body["proximity"] = map[string]any{"beaconId": *beacon, "rssi": *rssi}
	}
	return doorAction("unlock", *door, body)
}

func runLock(args []string) error {
	fs := newFlagSet("lock")
	door := fs.String("door", "", "door id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *door == "" {
		return errors.New("--door is required")
	}
	return doorAction("lock", *door, map[string]any{})
}

func doorAction(action, door string, body map[string]any) error {
	out, err := call("POST", "/api/v1/doors/"+url.PathEscape(door)+"/"+action, nil, body)
	var resp struct {
		Executed bool            `json:"executed"`
		Decision domain.Decision `json:"decision"`
		Result   string          `json:"result"`
		Seq      int64           `json:"seq"`
	}
	if out != nil && json.Unmarshal(out, &resp) == nil && resp.Result != "" {
		if resp.Executed {
			fmt.Printf("✓ %s %s (log #%d)\n", action, door, resp.Seq)
			return nil
		}
		return fmt.Errorf("%s %s: %s, %s (log #%d)", action, door, resp.Result, resp.Decision.Reason, resp.Seq)
	}
	return err
}

func runDoors(args []string) error {
	fs := newFlagSet("doors")
	if err := fs.Parse(args); err != nil {
		return err
	}
	out, err := call("GET", "/api/v1/doors", nil, nil)
	if err != nil {
		return err
	}
	var resp struct {
		Doors []struct {
			ID       string `json:"id"`
			Name     string `json:"name"`
			Location string `json:"location"`
			Status   string `json:"status"`
			Online   bool   `json:"online"`
			Locked   bool   `json:"locked"`
		} `json:"doors"`
	}
	if err := json.Unmarshal(out, &resp); err != nil {
		return err
	}
	if len(resp.Doors) == 0 {
		fmt.Println("No doors.")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tLOCATION\tSTATUS\tONLINE\tLOCKED")
	for _, d := range resp.Doors {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\t%t\n", d.ID, d.Name, d.Location, d.Status, d.Online, d.Locked)
	}
	return w.Flush()
}

// filterFlags registers the access log filter shared by logs, export and stats.
func filterFlags(fs *pflag.FlagSet, withDims bool) func() url.Values {
	var door, user, result, method, from, to string
	if withDims {
		fs.StringVar(&door, "door", "", "only this door")
		fs.StringVar(&user, "user", "", "only this user")
		fs.StringVar(&result, "result", "", "GRANTED, DENIED or ERROR")
		fs.StringVar(&method, "method", "", "access method")
	}
	fs.StringVar(&from, "from", "", "start time (RFC3339)")
	fs.StringVar(&to, "to", "", "end time (RFC3339)")
	return func() url.Values {
		q := url.Values{}
		for k, v := range map[string]string{"doorId": door, "userId": user, "result": result, "method": method, "from": from, "to": to} {
			if v != "" {
				q.Set(k, v)
			}
		}
		return q
	}
}

func runLogs(args []string) error {
	fs := newFlagSet("logs")
	query := filterFlags(fs, true)
	offset := fs.Int("offset", 0, "skip this many entries")
	limit := fs.IntP("limit", "n", 50, "entries per page")
	asJSON := fs.Bool("json", false, "print raw JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	q := query()
	q.Set("offset", strconv.Itoa(*offset))
	q.Set("limit", strconv.Itoa(*limit))
	out, err := call("GET", "/api/v1/access-logs", q, nil)
	if err != nil {
		return err
	}
	if *asJSON {
		return printJSON(out)
	}

	var page struct {
		Entries []domain.AccessLogEntry `json:"entries"`
		Total   int                     `json:"total"`
	}
	if err := json.Unmarshal(out, &page); err != nil {
		return printJSON(out)
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SEQ\tTIME\tDOOR\tUSER\tRESULT\tMETHOD\tREASON")
	for _, e := range page.Entries {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
			e.Seq, e.Timestamp.Format(time.RFC3339), e.DoorID, e.UserID, e.Result, e.Method, e.DenyReason)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Printf("\n%d of %d entries\n", len(page.Entries), page.Total)
	return nil
}

func runExport(args []string) error {
	fs := newFlagSet("export")
	query := filterFlags(fs, true)
	output := fs.StringP("output", "o", "", "write CSV to this file (default: stdout)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	out, err := call("GET", "/api/v1/access-logs/export", query(), nil)
	if err != nil {
		return err
	}
	if *output == "" {
		_, err = os.Stdout.Write(out)
		return err
	}
	if err := os.WriteFile(*output, out, 0o600); err != nil {
		return err
	}
	fmt.Printf("✓ Exported %d bytes to %s\n", len(out), *output)
	return nil
}

func runStats(args []string) error {
	fs := newFlagSet("stats")
	query := filterFlags(fs, false)
	if err := fs.Parse(args); err != nil {
		return err
	}
	out, err := call("GET", "/api/v1/access-logs/stats", query(), nil)
	if err != nil {
		return err
	}
	return printJSON(out)
}

func runSuspicious(args []string) error {
	fs := newFlagSet("suspicious")
	window := fs.IntP("window", "w", 0, "window in minutes (default: server setting)")
	threshold := fs.IntP("threshold", "t", 0, "failures needed to flag (default: server setting)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	q := url.Values{}
	if *window > 0 {
		q.Set("windowMinutes", strconv.Itoa(*window))
	}
	if *threshold > 0 {
		q.Set("threshold", strconv.Itoa(*threshold))
	}
	out, err := call("GET", "/api/v1/security/suspicious", q, nil)
	if err != nil {
		return err
	}

	var res struct {
		WindowMinutes   int `json:"windowMinutes"`
		Threshold       int `json:"threshold"`
		SuspiciousUsers []struct {
			UserID string `json:"userId"`
			User   *struct {
				Name string `json:"name"`
			} `json:"user"`
			FailedAttemptCount int `json:"failedAttemptCount"`
		} `json:"suspiciousUsers"`
		SuspiciousIPs []struct {
			IP    string `json:"ip"`
			Count int    `json:"count"`
		} `json:"suspiciousIPs"`
	}
	if err := json.Unmarshal(out, &res); err != nil {
		return printJSON(out)
	}
	fmt.Printf("Last %d minutes, threshold %d\n\n", res.WindowMinutes, res.Threshold)
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "KIND\tSUBJECT\tNAME\tFAILURES")
	for _, u := range res.SuspiciousUsers {
		name := ""
		if u.User != nil {
			name = u.User.Name
		}
		fmt.Fprintf(w, "user\t%s\t%s\t%d\n", u.UserID, name, u.FailedAttemptCount)
	}
	for _, ip := range res.SuspiciousIPs {
		fmt.Fprintf(w, "ip\t%s\t\t%d\n", ip.IP, ip.Count)
	}
	return w.Flush()
}

func runVerify(args []string) error {
	fs := newFlagSet("verify")
	if err := fs.Parse(args); err != nil {
		return err
	}
	out, err := call("GET", "/api/v1/access-logs/verify", nil, nil)
	if err != nil {
		return err
	}
	var rep struct {
		Intact bool `json:"intact"`
	}
	if err := printJSON(out); err != nil {
		return err
	}
	if json.Unmarshal(out, &rep) == nil && !rep.Intact {
		return errors.New("chain is broken")
	}
	return nil
}
