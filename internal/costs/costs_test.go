package costs

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
)

var when = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func TestAddInsertsRecord(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	s := NewWithDB(db)

	mock.ExpectExec("INSERT INTO api_costs").
		WithArgs(when.Format(time.RFC3339), "openai", "gpt-4o-mini", 120, 40, 0.0032, "trace-1", "router").
		WillReturnResult(sqlmock.NewResult(1, 1))

	err = s.Add(context.Background(), Record{
		Timestamp:    when,
		Provider:     "openai",
		Model:        "gpt-4o-mini",
		InputTokens:  120,
		OutputTokens: 40,
		CostUSD:      0.0032,
		TraceID:      "trace-1",
		Purpose:      "router",
	})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestAggregateByDay(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	s := NewWithDB(db)

	rows := sqlmock.NewRows([]string{"bucket", "count", "input", "output", "cost"}).
		AddRow("2026-03-10", 4, 800, 300, 0.021).
		AddRow("2026-03-09", 2, 400, 150, 0.010)
	mock.ExpectQuery("SELECT .+ FROM api_costs WHERE timestamp >= .+ GROUP BY bucket").
		WillReturnRows(rows)

	got, err := s.AggregateBy(context.Background(), PeriodDay, when.AddDate(0, 0, -7))
	if err != nil {
		t.Fatalf("AggregateBy: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("aggregates = %+v", got)
	}
	if got[0].Bucket != "2026-03-10" || got[0].Calls != 4 || got[0].CostUSD != 0.021 {
		t.Errorf("first bucket = %+v", got[0])
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestAggregateByUnknownPeriod(t *testing.T) {
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	s := NewWithDB(db)

	if _, err := s.AggregateBy(context.Background(), Period("year"), when); err == nil {
		t.Error("expected error for unknown period")
	}
}

func TestTotalForTrace(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	s := NewWithDB(db)

	mock.ExpectQuery(`SELECT SUM\(cost_usd\) FROM api_costs WHERE trace_id`).
		WithArgs("trace-1").
		WillReturnRows(sqlmock.NewRows([]string{"sum"}).AddRow(0.042))

	got, err := s.TotalForTrace(context.Background(), "trace-1")
	if err != nil {
		t.Fatalf("TotalForTrace: %v", err)
	}
	if got != 0.042 {
		t.Errorf("total = %v", got)
	}
}

func TestTotalForTraceNoRows(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	s := NewWithDB(db)

	mock.ExpectQuery(`SELECT SUM\(cost_usd\) FROM api_costs WHERE trace_id`).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"sum"}).AddRow(nil))

	got, err := s.TotalForTrace(context.Background(), "missing")
	if err != nil {
		t.Fatalf("TotalForTrace: %v", err)
	}
	if got != 0 {
		t.Errorf("total = %v, want 0", got)
	}
}
