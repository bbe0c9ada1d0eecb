package bus

import (
	"errors"
	"fmt"
	"strings"

	"deploy-agent/internal/command"
	"deploy-agent/internal/notify"
)

const (
	DefaultPrefix = "edc"
	DefaultAppID  = "DEPLOY-V2"

	notifyToken = "NOTIFY"
)

var errEmptyTopic = errors.New("empty subject")

// Topics builds and parses the subjects of one agent
type Topics struct {
	Prefix   string
	ClientID string
	AppID    string
}

// RequestWildcard matches every request addressed to the agent
func (t Topics) RequestWildcard() string {
	return strings.Join([]string{t.Prefix, t.ClientID, t.AppID, ">"}, ".")
}

// RequestSubject returns the subject a requester uses for verb on the
// given resource path
func (t Topics) RequestSubject(verb command.Verb, resources []string) string {
	parts := []string{t.Prefix, t.ClientID, t.AppID, string(verb)}
	return strings.Join(append(parts, resources...), ".")
}

// ParseRequest extracts the verb and resource segments from a request
// subject. A subject without resource segments yields an empty path, which
// the dispatcher answers with BAD_REQUEST.
func (t Topics) ParseRequest(subject string) (command.Verb, []string, error) {
	if subject == "" {
		return "", nil, errEmptyTopic
	}
	tokens := strings.Split(subject, ".")
	if len(tokens) < 4 {
		return "", nil, fmt.Errorf("subject %q is too short", subject)
	}
	if tokens[0] != t.Prefix || tokens[1] != t.ClientID || tokens[2] != t.AppID {
		return "", nil, fmt.Errorf("subject %q is not addressed to %s", subject, t.ClientID)
	}
	verb, err := command.ParseVerb(tokens[3])
	if err != nil {
		return "", nil, err
	}
	var resources []string
	for _, tok := range tokens[4:] {
		if tok != "" {
			resources = append(resources, tok)
		}
	}
	return verb, resources, nil
}

// NotifySubject returns the subject a notification of type nt for requester
// is published on
func (t Topics) NotifySubject(requester string, nt notify.Type) string {
	return strings.Join([]string{t.Prefix, requester, t.AppID, notifyToken, t.ClientID, string(nt)}, ".")
}

// NotifyWildcard matches every notification addressed to requester
func (t Topics) NotifyWildcard(requester string) string {
	return strings.Join([]string{t.Prefix, requester, t.AppID, notifyToken, ">"}, ".")
}
