// Package batch runs a sequence of browser steps against one page with a
// single round trip.
package batch

import (
	"encoding/json"
	"fmt"
	"time"

	"ubrowser-mcp-server/internal/actions"
	"ubrowser-mcp-server/internal/browser"
)

// Tool names accepted in a step.
const (
	ToolNavigate = "navigate"
	ToolClick    = "click"
	ToolType     = "type"
	ToolSelect   = "select"
	ToolScroll   = "scroll"
	ToolWait     = "wait"
)

// DefaultWait is the pause of a wait step without ms.
const DefaultWait = time.Second

// Step is one typed batch step. The set is closed: only this package's
// variants implement it.
type Step interface {
	Tool() string
	Validate() error
	sealed()
}

type NavigateStep struct {
	URL       string
	WaitUntil browser.WaitUntil
	Timeout   time.Duration
}

type ClickStep struct {
	Target     actions.Target
	Button     browser.MouseButton
	ClickCount int
	Timeout    time.Duration
}

type TypeStep struct {
	Target     actions.Target
	Text       string
	Clear      *bool
	PressEnter bool
	Timeout    time.Duration
}

type SelectStep struct {
	Target  actions.Target
	Value   *string
	Label   *string
	Index   *int
	Timeout time.Duration
}

type ScrollStep struct {
	Target    actions.Target
	Direction string
	Amount    int
	ToTop     bool
	ToBottom  bool
}

type WaitStep struct {
	Duration time.Duration
}

// invalidStep keeps a step that failed to decode so it fails at its own index.
type invalidStep struct {
	tool string
	err  error
}

func (NavigateStep) Tool() string  { return ToolNavigate }
func (ClickStep) Tool() string     { return ToolClick }
func (TypeStep) Tool() string      { return ToolType }
func (SelectStep) Tool() string    { return ToolSelect }
func (ScrollStep) Tool() string    { return ToolScroll }
func (WaitStep) Tool() string      { return ToolWait }
func (s invalidStep) Tool() string { return s.tool }

func (NavigateStep) sealed() {}
func (ClickStep) sealed()    {}
func (TypeStep) sealed()     {}
func (SelectStep) sealed()   {}
func (ScrollStep) sealed()   {}
func (WaitStep) sealed()     {}
func (invalidStep) sealed()  {}

func (s NavigateStep) Validate() error {
	if s.URL == "" {
		return fmt.Errorf("%w: navigate requires url", actions.ErrInvalidStepArgs)
	}
	return nil
}

func (s ClickStep) Validate() error { return s.Target.Validate() }

func (s TypeStep) Validate() error { return s.Target.Validate() }

func (s SelectStep) Validate() error {
	if err := s.Target.Validate(); err != nil {
		return err
	}
	if s.Value == nil && s.Label == nil && s.Index == nil {
		return fmt.Errorf("%w: select requires value, label or index", actions.ErrInvalidStepArgs)
	}
	return nil
}

func (s ScrollStep) Validate() error {
	if !s.Target.IsZero() {
		return s.Target.Validate()
	}
	if s.ToTop || s.ToBottom {
		return nil
	}
	switch s.Direction {
	case "up", "down", "left", "right":
		return nil
	}
	return fmt.Errorf("%w: scroll requires direction, a target, toTop or toBottom", actions.ErrInvalidStepArgs)
}

func (s WaitStep) Validate() error {
	if s.Duration < 0 {
		return fmt.Errorf("%w: wait ms must not be negative", actions.ErrInvalidStepArgs)
	}
	return nil
}

func (s invalidStep) Validate() error { return s.err }

// targetsRef reports whether a click or type step addresses a ref id.
func targetsRef(s Step) bool {
	switch v := s.(type) {
	case ClickStep:
		return v.Target.Ref != ""
	case TypeStep:
		return v.Target.Ref != ""
	}
	return false
}

// RawStep is the wire form {tool, args}.
type RawStep struct {
	Tool string          `json:"tool"`
	Args json.RawMessage `json:"args"`
}

type targetArgs struct {
	Ref      string `json:"ref"`
	Selector string `json:"selector"`
}

func (t targetArgs) target() actions.Target {
	return actions.Target{Ref: t.Ref, Selector: t.Selector}
}

type navigateArgs struct {
	URL       string `json:"url"`
	WaitUntil string `json:"waitUntil"`
	Timeout   int    `json:"timeout"`
}

type clickArgs struct {
	targetArgs
	Button     string `json:"button"`
	ClickCount int    `json:"clickCount"`
	Timeout    int    `json:"timeout"`
}

type typeArgs struct {
	targetArgs
	Text       *string `json:"text"`
	Clear      *bool   `json:"clear"`
	PressEnter bool    `json:"pressEnter"`
	Timeout    int     `json:"timeout"`
}

type selectArgs struct {
	targetArgs
	Value   *string `json:"value"`
	Label   *string `json:"label"`
	Index   *int    `json:"index"`
	Timeout int     `json:"timeout"`
}

type scrollArgs struct {
	targetArgs
	Direction string `json:"direction"`
	Amount    int    `json:"amount"`
	ToTop     bool   `json:"toTop"`
	ToBottom  bool   `json:"toBottom"`
}

type waitArgs struct {
	MS *int `json:"ms"`
}

// ParseSteps decodes wire steps. A step that cannot be decoded or fails
// validation becomes an invalid step in the same position.
func ParseSteps(raw []RawStep) []Step {
	out := make([]Step, len(raw))
	for i, r := range raw {
		step, err := parseStep(r)
		if err == nil {
			err = step.Validate()
		}
		if err != nil {
			out[i] = invalidStep{tool: r.Tool, err: err}
			continue
		}
		out[i] = step
	}
	return out
}

func parseStep(r RawStep) (Step, error) {
	args := r.Args
	if len(args) == 0 || string(args) == "null" {
		args = json.RawMessage("{}")
	}
	decode := func(v interface{}) error {
		if err := json.Unmarshal(args, v); err != nil {
			return fmt.Errorf("%w: %s args: %v", actions.ErrInvalidStepArgs, r.Tool, err)
		}
		return nil
	}

	switch r.Tool {
	case ToolNavigate:
		var a navigateArgs
		if err := decode(&a); err != nil {
			return nil, err
		}
		wait, err := browser.ParseWaitUntil(a.WaitUntil)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", actions.ErrInvalidStepArgs, err)
		}
		return NavigateStep{URL: a.URL, WaitUntil: wait, Timeout: millis(a.Timeout)}, nil

	case ToolClick:
		var a clickArgs
		if err := decode(&a); err != nil {
			return nil, err
		}
		button, err := browser.ParseMouseButton(a.Button)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", actions.ErrInvalidStepArgs, err)
		}
		return ClickStep{Target: a.target(), Button: button, ClickCount: a.ClickCount, Timeout: millis(a.Timeout)}, nil

	case ToolType:
		var a typeArgs
		if err := decode(&a); err != nil {
			return nil, err
		}
		if a.Text == nil {
			return nil, fmt.Errorf("%w: type requires text", actions.ErrInvalidStepArgs)
		}
		return TypeStep{Target: a.target(), Text: *a.Text, Clear: a.Clear, PressEnter: a.PressEnter, Timeout: millis(a.Timeout)}, nil

	case ToolSelect:
		var a selectArgs
		if err := decode(&a); err != nil {
			return nil, err
		}
		return SelectStep{Target: a.target(), Value: a.Value, Label: a.Label, Index: a.Index, Timeout: millis(a.Timeout)}, nil

	case ToolScroll:
		var a scrollArgs
		if err := decode(&a); err != nil {
			return nil, err
		}
		return ScrollStep{Target: a.target(), Direction: a.Direction, Amount: a.Amount, ToTop: a.ToTop, ToBottom: a.ToBottom}, nil

	case ToolWait:
		var a waitArgs
		if err := decode(&a); err != nil {
			return nil, err
		}
		d := DefaultWait
		if a.MS != nil {
			d = time.Duration(*a.MS) * time.Millisecond
		}
		return WaitStep{Duration: d}, nil
	}
	return nil, fmt.Errorf("%w: unknown tool %q", actions.ErrInvalidStepArgs, r.Tool)
}

func millis(ms int) time.Duration {
	if ms <= 0 {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}
