package store

import (
	"database/sql"
	"errors"
	"testing"

	"github.com/BTreeMap/SOSPipe/internal/models"
	"github.com/DATA-DOG/go-sqlmock"
)

func setupMockPostgres(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *PostgresStore) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db, mock, newPostgresStoreFromDB(db)
}

func TestPostgresStore_Claim(t *testing.T) {
	_, mock, s := setupMockPostgres(t)

	mock.ExpectExec(`INSERT INTO reply_latch`).
		WithArgs("r1", "+1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO reply_latch`).
		WithArgs("r1", "+1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	claimed, err := s.Claim("r1", "+1")
	if err != nil || !claimed {
		t.Fatalf("expected claim, got %v err=%v", claimed, err)
	}
	claimed, err = s.Claim("r1", "+1")
	if err != nil || claimed {
		t.Fatalf("expected conflict, got %v err=%v", claimed, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPostgresStore_ClaimError(t *testing.T) {
	_, mock, s := setupMockPostgres(t)
	mock.ExpectExec(`INSERT INTO reply_latch`).WillReturnError(errors.New("connection reset"))

	if _, err := s.Claim("r1", "+1"); err == nil {
		t.Fatal("expected error")
	}
}

func TestPostgresStore_Settle(t *testing.T) {
	_, mock, s := setupMockPostgres(t)
	mock.ExpectExec(`UPDATE reply_latch SET settled_at = \$1, action = \$2, outcome = \$3 WHERE reply_id = \$4`).
		WithArgs(sqlmock.AnyArg(), "send-sms", "alert sent", "r1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE reply_latch`).
		WithArgs(sqlmock.AnyArg(), "im-ok", "cancelled", "ghost").
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := s.Settle("r1", models.ActionSendSMS, "alert sent"); err != nil {
		t.Fatalf("Settle failed: %v", err)
	}
	if err := s.Settle("ghost", models.ActionImOK, "cancelled"); !errors.Is(err, ErrReplyNotClaimed) {
		t.Errorf("expected ErrReplyNotClaimed, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPostgresStore_Lookup(t *testing.T) {
	_, mock, s := setupMockPostgres(t)
	cols := []string{"sender", "claimed_at", "settled_at", "action", "outcome"}
	mock.ExpectQuery(`SELECT sender, claimed_at, settled_at, action, outcome FROM reply_latch WHERE reply_id = \$1`).
		WithArgs("r1").
		WillReturnRows(sqlmock.NewRows(cols).AddRow("+1", int64(100), int64(160), "send-sms", "alert sent"))
	mock.ExpectQuery(`SELECT sender, claimed_at, settled_at, action, outcome FROM reply_latch`).
		WithArgs("r2").
		WillReturnRows(sqlmock.NewRows(cols).AddRow("+1", int64(100), nil, "", ""))
	mock.ExpectQuery(`SELECT sender, claimed_at, settled_at, action, outcome FROM reply_latch`).
		WithArgs("r3").
		WillReturnRows(sqlmock.NewRows(cols))

	e, ok, err := s.Lookup("r1")
	if err != nil || !ok {
		t.Fatalf("expected entry, got ok=%v err=%v", ok, err)
	}
	if !e.Settled() || e.SettledAt.Unix() != 160 || e.Action != models.ActionSendSMS || e.Outcome != "alert sent" {
		t.Errorf("unexpected settled entry %+v", e)
	}

	e, ok, err = s.Lookup("r2")
	if err != nil || !ok || e.Settled() || e.ClaimedAt.Unix() != 100 {
		t.Errorf("expected unsettled entry, got %+v ok=%v err=%v", e, ok, err)
	}

	if _, ok, err := s.Lookup("r3"); err != nil || ok {
		t.Errorf("expected no entry, got ok=%v err=%v", ok, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPostgresStore_GetContacts(t *testing.T) {
	_, mock, s := setupMockPostgres(t)

	mock.ExpectQuery(`SELECT value FROM settings WHERE key = \$1`).
		WithArgs(KeyContacts).
		WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow(`["","+905551112233",""]`))
	mock.ExpectQuery(`SELECT value FROM settings WHERE key = \$1`).
		WithArgs(KeyContacts).
		WillReturnError(sql.ErrNoRows)

	got, err := s.GetContacts()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 3 || got[1] != "+905551112233" {
		t.Errorf("unexpected contacts %v", got)
	}

	got, err = s.GetContacts()
	if err != nil || got != nil {
		t.Errorf("expected nil contacts for missing key, got %v err=%v", got, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPostgresStore_SaveProfile(t *testing.T) {
	_, mock, s := setupMockPostgres(t)
	mock.ExpectExec(`INSERT INTO settings`).
		WithArgs(KeyProfile, `{"age":"34","bloodType":"0-","height":"","weight":""}`, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := s.SaveProfile(models.Profile{Age: "34", BloodType: "0-"}); err != nil {
		t.Fatalf("SaveProfile failed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPostgresStore_AddReceipt(t *testing.T) {
	_, mock, s := setupMockPostgres(t)
	mock.ExpectExec(`INSERT INTO receipts`).
		WithArgs("inc-1", "+1", "sent", int64(42)).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := s.AddReceipt(models.Receipt{IncidentID: "inc-1", To: "+1", Status: models.MessageStatusSent, Time: 42})
	if err != nil {
		t.Fatalf("AddReceipt failed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPostgresStore_LastResponse(t *testing.T) {
	_, mock, s := setupMockPostgres(t)
	mock.ExpectQuery(`SELECT id, sender, body, time FROM responses ORDER BY seq DESC LIMIT 1`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "sender", "body", "time"}).AddRow("SM1", "+1", "1", int64(7)))
	mock.ExpectQuery(`SELECT id, sender, body, time FROM responses ORDER BY seq DESC LIMIT 1`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "sender", "body", "time"}))

	r, ok, err := s.LastResponse()
	if err != nil || !ok {
		t.Fatalf("expected response, got ok=%v err=%v", ok, err)
	}
	if r.ID != "SM1" || r.Body != "1" || r.Time != 7 {
		t.Errorf("unexpected response %+v", r)
	}

	if _, ok, err := s.LastResponse(); err != nil || ok {
		t.Errorf("expected no response, got ok=%v err=%v", ok, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}
