package log

import (
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
)

func TestLogrusEvent(t *testing.T) {
	base, hook := test.NewNullLogger()
	l := NewLogrus(base)

	l = l.WithField(`endpoint`, `https://example.com`).(Logrus)
	l.Event(LevelWarn, `send failed`, F(`item_id`, `abc`), F(`attempt`, 2))

	if got := len(hook.Entries); got != 1 {
		t.Fatalf(`entries = %d, want 1`, got)
	}
	entry := hook.LastEntry()
	if entry.Level != logrus.WarnLevel {
		t.Errorf(`level = %v, want warn`, entry.Level)
	}
	if entry.Data[`endpoint`] != `https://example.com` {
		t.Errorf(`missing endpoint field: %v`, entry.Data)
	}
	if entry.Data[`item_id`] != `abc` {
		t.Errorf(`missing item_id field: %v`, entry.Data)
	}
	if entry.Data[`attempt`] != 2 {
		t.Errorf(`missing attempt field: %v`, entry.Data)
	}
}

func TestLogrusWithError(t *testing.T) {
	base, hook := test.NewNullLogger()
	l := NewLogrus(base)
	l = l.WithError(errors.New(`boom`)).(Logrus)
	l.Event(LevelError, `failed`)
	if hook.LastEntry().Data[logrus.ErrorKey].(error).Error() != `boom` {
		t.Fatal(`error field missing`)
	}
}
