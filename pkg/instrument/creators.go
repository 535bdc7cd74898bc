package instrument

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	relayerrors "github.com/grovetools/devrelay/errors"
	"github.com/grovetools/devrelay/pkg/lifted"
)

// ArgKind is the JSON kind an action creator argument must have.
type ArgKind string

const (
	ArgAny    ArgKind = "any"
	ArgString ArgKind = "string"
	ArgNumber ArgKind = "number"
	ArgBool   ArgKind = "bool"
	ArgObject ArgKind = "object"
	ArgArray  ArgKind = "array"
)

// Creator builds an action from decoded JSON arguments. Args declares
// the expected arguments; trailing arguments may be omitted.
type Creator struct {
	Args  []ArgKind
	Build func(args []any) (lifted.Action, error)
}

// ActionCreators is the table remote actions are resolved against. An
// inspector can only trigger actions the application registered here.
type ActionCreators struct {
	creators map[string]Creator
}

// NewActionCreators returns an empty table.
func NewActionCreators() *ActionCreators {
	return &ActionCreators{creators: make(map[string]Creator)}
}

// Register adds or replaces a creator.
func (c *ActionCreators) Register(name string, creator Creator) {
	c.creators[name] = creator
}

// Names returns the registered creator names, sorted.
func (c *ActionCreators) Names() []string {
	if c == nil {
		return nil
	}
	names := make([]string, 0, len(c.creators))
	for name := range c.creators {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

var callExpr = regexp.MustCompile(`^\s*([A-Za-z_$][\w$.]*)\s*\((.*)\)\s*$`)

// Resolve turns a symbolic remote action into an action. Accepted forms:
//
//	"increment(2)"                        call expression, JSON arguments
//	{"name":"increment","args":[2]}       explicit creator call
//	{"type":"INCREMENT","payload":2}      plain action object
func (c *ActionCreators) Resolve(raw json.RawMessage) (lifted.Action, error) {
	var expr string
	if err := json.Unmarshal(raw, &expr); err == nil {
		return c.resolveExpr(expr)
	}

	var call struct {
		Name    string          `json:"name"`
		Args    json.RawMessage `json:"args"`
		Type    string          `json:"type"`
		Payload any             `json:"payload"`
	}
	if err := json.Unmarshal(raw, &call); err != nil {
		return lifted.Action{}, relayerrors.Wrap(err, relayerrors.ErrCodeMalformedMessage, "remote action is neither a string nor an object")
	}

	switch {
	case call.Name != "":
		var args []any
		if len(call.Args) > 0 {
			if err := json.Unmarshal(call.Args, &args); err != nil {
				return lifted.Action{}, relayerrors.InvalidArguments(call.Name, "args must be a JSON array")
			}
		}
		return c.call(call.Name, args)
	case call.Type != "":
		return lifted.Action{Type: call.Type, Payload: call.Payload}, nil
	default:
		return lifted.Action{}, relayerrors.Malformed("remote action has neither name nor type")
	}
}

func (c *ActionCreators) resolveExpr(expr string) (lifted.Action, error) {
	match := callExpr.FindStringSubmatch(expr)
	if match == nil {
		return lifted.Action{}, relayerrors.Malformed(fmt.Sprintf("cannot parse remote action %q", expr))
	}
	name, inner := match[1], strings.TrimSpace(match[2])

	var args []any
	if inner != "" {
		if err := json.Unmarshal([]byte("["+inner+"]"), &args); err != nil {
			return lifted.Action{}, relayerrors.InvalidArguments(name, "arguments must be JSON values")
		}
	}
	return c.call(name, args)
}

func (c *ActionCreators) call(name string, args []any) (lifted.Action, error) {
	if c == nil {
		return lifted.Action{}, relayerrors.UnknownActionCreator(name)
	}
	creator, ok := c.creators[name]
	if !ok {
		return lifted.Action{}, relayerrors.UnknownActionCreator(name)
	}
	if len(args) > len(creator.Args) {
		return lifted.Action{}, relayerrors.InvalidArguments(name,
			fmt.Sprintf("expected at most %d arguments, got %d", len(creator.Args), len(args)))
	}
	for i, arg := range args {
		if !kindMatches(creator.Args[i], arg) {
			return lifted.Action{}, relayerrors.InvalidArguments(name,
				fmt.Sprintf("argument %d must be %s", i+1, creator.Args[i]))
		}
	}

	action, err := creator.Build(args)
	if err != nil {
		return lifted.Action{}, relayerrors.Wrap(err, relayerrors.ErrCodeInvalidArguments, err.Error()).
			WithDetail("creator", name)
	}
	if action.Type == "" {
		return lifted.Action{}, relayerrors.InvalidArguments(name, "creator returned an action without type")
	}
	return action, nil
}

func kindMatches(kind ArgKind, v any) bool {
	switch kind {
	case ArgString:
		_, ok := v.(string)
		return ok
	case ArgNumber:
		_, ok := v.(float64)
		return ok
	case ArgBool:
		_, ok := v.(bool)
		return ok
	case ArgObject:
		_, ok := v.(map[string]any)
		return ok
	case ArgArray:
		_, ok := v.([]any)
		return ok
	default:
		return true
	}
}
