package collab

import (
	"context"
	"testing"

	"github.com/relaycore/feedrelay/model"
)

func TestStaticFetcherPull(t *testing.T) {
	items := []model.Item{
		{ID: `1`}, {ID: `2`}, {ID: `3`}, {ID: `4`}, {ID: `5`},
	}
	f := NewStaticFetcher(items)

	got, cursor, err := f.Pull(context.Background(), ``, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].ID != `1` || got[1].ID != `2` {
		t.Fatalf(`unexpected first page: %+v`, got)
	}

	got, cursor, err = f.Pull(context.Background(), cursor, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].ID != `3` {
		t.Fatalf(`unexpected second page: %+v`, got)
	}

	got, _, err = f.Pull(context.Background(), cursor, 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != `5` {
		t.Fatalf(`unexpected third page: %+v`, got)
	}

	got, _, err = f.Pull(context.Background(), `5`, 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf(`expected exhausted fetcher, got %+v`, got)
	}
}

func TestDiscardStoreAndNopMetrics(t *testing.T) {
	if err := (DiscardStore{}).Record(context.Background(), model.Item{}, model.DeliveryOutcome{}); err != nil {
		t.Fatal(err)
	}
	(NopMetrics{}).Observe(`x`, nil, 1)
}

func TestLoggingStore(t *testing.T) {
	s := LoggingStore{}
	if err := s.Record(context.Background(), model.Item{ID: `1`}, model.Succeeded(0, 200, 1)); err != nil {
		t.Fatal(err)
	}
}
