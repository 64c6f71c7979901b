// Package compose renders a session's wake prompt: the fixed seven
// section document described by the engine's design, with grounding
// tokens resolved against the project working directory.
package compose

import (
	"fmt"
	"strings"

	"github.com/j-tyler/ken/internal/kenning"
	"github.com/j-tyler/ken/internal/session"
)

// Mode distinguishes a first spawn from a post-crash respawn.
type Mode string

const (
	ModeFresh   Mode = "fresh"
	ModeRecover Mode = "recover"
)

// DependencyResult is one child's outcome, surfaced to a parent waking
// from all_complete/any_complete.
type DependencyResult struct {
	SessionID string
	KenPath   string
	Status    session.Status
	Result    string
}

// Input bundles everything the composer needs for one session.
type Input struct {
	Session      *session.Session
	Mode         Mode
	KenningText  string // raw contents of the session's kenning file
	ProjectRoot  string
	Dependencies []DependencyResult // empty unless waking from a trigger
}

// Composer assembles wake prompts and reports grounding-token
// resolution warnings as session events via the supplied sink.
type Composer struct {
	warn func(sessionID string, warning kenning.Warning)
}

// New builds a Composer. warn may be nil to discard warnings.
func New(warn func(sessionID string, warning kenning.Warning)) *Composer {
	if warn == nil {
		warn = func(string, kenning.Warning) {}
	}
	return &Composer{warn: warn}
}

// Compose renders the full prompt text for in. Composition never
// fails: unresolved grounding tokens and unparseable kennings degrade
// to placeholders and warnings rather than errors.
func (c *Composer) Compose(in Input) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Session %s\n\n", in.Session.ID)
	fmt.Fprintf(&b, "ken_path: %s\nmode: %s\n\n", in.Session.KenPath, in.Mode)

	b.WriteString("## Task\n\n")
	b.WriteString(in.Session.Task)
	b.WriteString("\n\n")

	b.WriteString("## Definition of Done\n\n")
	if in.Session.DoneWhen != nil {
		dw := in.Session.DoneWhen
		if dw.Description != "" {
			b.WriteString(dw.Description)
			b.WriteString("\n\n")
		}
		for _, c := range dw.Criteria {
			fmt.Fprintf(&b, "- %s\n", c)
		}
		if dw.Verify != "" {
			fmt.Fprintf(&b, "\nVerification: `%s`\n", dw.Verify)
		}
		b.WriteString("\n")
	} else {
		b.WriteString("(none specified)\n\n")
	}

	b.WriteString(communicationContract)

	if in.Session.Checkpoint != "" {
		b.WriteString("## Recovery Context\n\n")
		b.WriteString("Previous checkpoint:\n\n")
		b.WriteString(in.Session.Checkpoint)
		b.WriteString("\n\n")
	}

	if len(in.Dependencies) > 0 {
		b.WriteString("## Dependency Results\n\n")
		for _, d := range in.Dependencies {
			fmt.Fprintf(&b, "- %s (%s): status=%s result=%s\n", d.SessionID, d.KenPath, d.Status, d.Result)
		}
		b.WriteString("\n")
	}

	b.WriteString("## Kenning Frames\n\n")
	resolved, warnings := kenning.ResolveTokens(in.KenningText, in.ProjectRoot)
	for _, w := range warnings {
		c.warn(in.Session.ID, w)
	}
	frames := kenning.Parse(resolved)
	if len(frames) == 0 {
		c.warn(in.Session.ID, kenning.Warning{Token: in.Session.KenPath, Err: fmt.Errorf("no frames found in kenning")})
	}
	for _, f := range frames {
		fmt.Fprintf(&b, "### Frame %d: %s\n\n%s\n\n", f.Number, f.Title, f.Body)
	}

	return b.String()
}

const communicationContract = `## Communication Contract

You may send exactly one of the following requests as your terminal
action before exiting, as one line of JSON on the request channel:

- {"type":"complete","session_id":"<id>","result":"<text>"}
- {"type":"fail","session_id":"<id>","reason":"<text>"}
- {"type":"sleep","session_id":"<id>","trigger":{...},"checkpoint":"<text>"}
- {"type":"spawn_and_sleep","session_id":"<id>","children":[...],"trigger":{...},"checkpoint":"<text>"}

You may also send any number of non-terminal {"type":"checkpoint",...}
requests to persist progress before your terminal request.

`
