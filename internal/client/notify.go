package client

import "errors"

// Notifier shows a transient notification to the user.
type Notifier interface {
	Notify(title, message string)
}

type NotifierFunc func(title, message string)

func (f NotifierFunc) Notify(title, message string) { f(title, message) }

type nopNotifier struct{}

func (nopNotifier) Notify(string, string) {}

// notification picks the copy shown for err. Rate limits and exhausted
// credits get their own actionable text.
func notification(err error) (title, message string) {
	var re *RequestError
	if errors.As(err, &re) {
		switch {
		case re.RateLimited():
			return "Slow down", "You are sending messages too quickly. Please wait a minute and try again."
		case re.QuotaExceeded():
			return "Credits exhausted", "AI credits are used up. Add credits to your workspace to keep chatting."
		case re.Message != "":
			return "Something went wrong", re.Message
		}
	}
	return "Something went wrong", "The assistant could not be reached. Please try again."
}
