package output

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
)

var (
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	cyan   = color.New(color.FgCyan).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
)

func DefaultFormat() string {
	if isatty.IsTerminal(os.Stdout.Fd()) {
		return "table"
	}
	return "json"
}

func Print(payload map[string]any, format string, quiet bool) error {
	return Fprint(os.Stdout, payload, format, quiet)
}

func Fprint(w io.Writer, payload map[string]any, format string, quiet bool) error {
	if quiet {
		format = "quiet"
	}
	format = strings.TrimSpace(strings.ToLower(format))
	if format == "" {
		format = DefaultFormat()
	}

	switch format {
	case "json":
		return printJSON(w, payload)
	case "table":
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		if err := printTable(tw, payload); err != nil {
			return err
		}
		return tw.Flush()
	case "plain":
		return printPlain(w, payload)
	case "quiet":
		return printQuiet(w, payload)
	default:
		return errors.New("invalid --format value")
	}
}

func printJSON(w io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}

func printTable(w io.Writer, payload map[string]any) error {
	switch {
	case hasKey(payload, "agents"):
		fmt.Fprintln(w, bold("NAME\tBOARDS\tINTERVAL\tCREATED"))
		for _, row := range toObjectSlice(payload["agents"]) {
			profile, _ := row["profile"].(map[string]any)
			fmt.Fprintf(w, "%s\t%s\t%s-%s\t%s\n",
				str(row["name"]), boards(row["boards"]),
				str(profile["min_interval"]), str(profile["max_interval"]), ago(row["created"]))
		}
	case hasKey(payload, "threads"):
		fmt.Fprintln(w, bold("NO.\tSUBJECT\tAUTHOR\tREPLIES\tFLAGS\tLAST ACTIVITY\tID"))
		for _, row := range toObjectSlice(payload["threads"]) {
			author, _ := row["author"].(map[string]any)
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
				str(row["number"]), str(row["subject"]), authorName(author), str(row["reply_count"]),
				flags(row), ago(row["last_activity"]), str(row["id"]))
		}
	case hasKey(payload, "boards"):
		fmt.Fprintln(w, bold("CODE\tNAME\tDESCRIPTION"))
		for _, row := range toObjectSlice(payload["boards"]) {
			fmt.Fprintf(w, "/%s/\t%s\t%s\n", str(row["code"]), str(row["name"]), str(row["description"]))
		}
	case hasKey(payload, "agent") && hasKey(payload, "phase"):
		agent, _ := payload["agent"].(map[string]any)
		state, _ := payload["state"].(map[string]any)
		fmt.Fprintf(w, "name\t%s\n", bold(str(agent["name"])))
		fmt.Fprintf(w, "id\t%s\n", str(agent["id"]))
		fmt.Fprintf(w, "boards\t%s\n", boards(agent["boards"]))
		fmt.Fprintf(w, "phase\t%s\n", phase(str(payload["phase"])))
		if state != nil {
			fmt.Fprintf(w, "last action\t%s\n", ago(state["last_action_at"]))
			fmt.Fprintf(w, "cooldown until\t%s\n", ago(state["cooldown_until"]))
			fmt.Fprintf(w, "watching\t%s\n", str(state["watched_thread"]))
			fmt.Fprintf(w, "actions\t%s\n", str(state["counter"]))
			fmt.Fprintf(w, "failure streak\t%s\n", str(state["failure_streak"]))
		}
	case hasKey(payload, "agents_removed"):
		for _, n := range toStringSlice(payload["names"]) {
			fmt.Fprintf(w, "%s\t%s\n", red("retired"), n)
		}
		fmt.Fprintf(w, "agents removed\t%s\n", str(payload["agents_removed"]))
		fmt.Fprintf(w, "states removed\t%s\n", str(payload["states_removed"]))
	case hasKey(payload, "tick"):
		tick, _ := payload["tick"].(map[string]any)
		fmt.Fprintf(w, "started\t%s\n", ago(tick["started_at"]))
		for _, k := range []string{"considered", "eligible", "dispatched", "committed", "idled", "failed", "anomalies", "orphans"} {
			fmt.Fprintf(w, "%s\t%s\n", k, count(tick[k]))
		}
		skipped, _ := tick["skipped"].(map[string]any)
		for _, reason := range sortedKeys(skipped) {
			fmt.Fprintf(w, "skipped %s\t%s\n", reason, count(skipped[reason]))
		}
	case hasKey(payload, "stats"):
		stats, _ := payload["stats"].(map[string]any)
		for _, k := range sortedKeys(stats) {
			fmt.Fprintf(w, "%s\t%s\n", strings.ReplaceAll(k, "_", " "), count(stats[k]))
		}
	default:
		return printJSON(w, payload)
	}
	return nil
}

func printPlain(w io.Writer, payload map[string]any) error {
	switch {
	case hasKey(payload, "agents"):
		for _, row := range toObjectSlice(payload["agents"]) {
			fmt.Fprintf(w, "%s %s\n", str(row["name"]), boards(row["boards"]))
		}
	case hasKey(payload, "threads"):
		for _, row := range toObjectSlice(payload["threads"]) {
			fmt.Fprintf(w, "%s %s %s\n", str(row["number"]), str(row["id"]), str(row["subject"]))
		}
	case hasKey(payload, "agents_removed"):
		fmt.Fprintf(w, "agents_removed=%s states_removed=%s\n", str(payload["agents_removed"]), str(payload["states_removed"]))
	default:
		return printJSON(w, payload)
	}
	return nil
}

func printQuiet(w io.Writer, payload map[string]any) error {
	switch {
	case hasKey(payload, "agents"):
		for _, row := range toObjectSlice(payload["agents"]) {
			fmt.Fprintln(w, str(row["name"]))
		}
	case hasKey(payload, "threads"):
		for _, row := range toObjectSlice(payload["threads"]) {
			fmt.Fprintln(w, str(row["id"]))
		}
	case hasKey(payload, "agents_removed"):
		for _, n := range toStringSlice(payload["names"]) {
			fmt.Fprintln(w, n)
		}
	default:
		if id, ok := payload["id"]; ok {
			fmt.Fprintln(w, str(id))
			return nil
		}
		return printJSON(w, payload)
	}
	return nil
}

func phase(p string) string {
	switch p {
	case "idle":
		return green(p)
	case "cooling_down":
		return yellow(p)
	case "acting":
		return cyan(p)
	default:
		return p
	}
}

func flags(row map[string]any) string {
	var out []string
	if b, _ := row["pinned"].(bool); b {
		out = append(out, cyan("pinned"))
	}
	if b, _ := row["locked"].(bool); b {
		out = append(out, red("locked"))
	}
	return strings.Join(out, ",")
}

func authorName(author map[string]any) string {
	name := str(author["name"])
	if trip := str(author["tripcode"]); trip != "" {
		name += "!" + trip
	}
	if str(author["kind"]) == "admin" {
		name = red(name + " ## Admin")
	}
	return name
}

func boards(v any) string {
	codes := toStringSlice(v)
	for i, c := range codes {
		codes[i] = "/" + c + "/"
	}
	return strings.Join(codes, " ")
}

// ago renders a timestamp relative to now; unparsable or zero values are
// shown as-is or as "never".
func ago(v any) string {
	s := str(v)
	if s == "" {
		return "never"
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return s
	}
	if t.IsZero() {
		return "never"
	}
	return humanize.Time(t)
}

func count(v any) string {
	switch n := v.(type) {
	case float64:
		return humanize.Comma(int64(n))
	case nil:
		return "0"
	default:
		return str(v)
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func hasKey(m map[string]any, key string) bool {
	_, ok := m[key]
	return ok
}

func toObjectSlice(v any) []map[string]any {
	in, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]map[string]any, 0, len(in))
	for _, item := range in {
		if row, ok := item.(map[string]any); ok {
			out = append(out, row)
		}
	}
	return out
}

func toStringSlice(v any) []string {
	in, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(in))
	for _, item := range in {
		out = append(out, str(item))
	}
	return out
}

func str(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%v", t)
	default:
		return fmt.Sprintf("%v", t)
	}
}
