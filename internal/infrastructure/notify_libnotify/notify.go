package notify_libnotify

import (
	"context"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// Notifier sends desktop notifications through notify-send. A soft
// notifier swallows failures, e.g. on headless CI machines.
type Notifier struct {
	soft    bool
	urgency string
	expire  time.Duration
	command string
}

func New() *Notifier     { return &Notifier{soft: false, command: "notify-send"} }
func NewSoft() *Notifier { return &Notifier{soft: true, command: "notify-send"} }

type Options struct {
	Urgency string
	Expire  time.Duration
}

func (n *Notifier) With(opt Options) *Notifier {
	c := *n
	c.urgency = opt.Urgency
	c.expire = opt.Expire
	return &c
}

func (n *Notifier) Notify(ctx context.Context, title, body, url string) error {
	cmd := exec.CommandContext(ctx, n.command, n.args(title, body, url)...)
	if err := cmd.Run(); err != nil {
		if n.soft {
			return nil
		}
		return err
	}
	return nil
}

func (n *Notifier) args(title, body, url string) []string {
	if strings.TrimSpace(url) != "" {
		if body == "" {
			body = url
		} else {
			body = body + "\n" + url
		}
	}

	args := []string{"--app-name=relpipe"}
	if n.urgency != "" {
		args = append(args, "--urgency="+n.urgency)
	}
	if n.expire > 0 {
		args = append(args, "--expire-time="+strconv.Itoa(int(n.expire/time.Millisecond)))
	}
	return append(args, title, body)
}
