package verify

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
)

func TestPGKeysRecent(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	now := time.Now().UTC()
	mock.ExpectQuery(`SELECT id, secret, time_increment, version, change_reason, created_at\s+FROM verification_keys`).
		WithArgs(2).
		WillReturnRows(sqlmock.NewRows([]string{"id", "secret", "time_increment", "version", "change_reason", "created_at"}).
			AddRow(int64(2), []byte("s2"), int64(300), 1, RotationManual, now).
			AddRow(int64(1), []byte("s1"), int64(300), 1, RotationInitial, now.Add(-time.Hour)))

	store := NewPG(db)
	keys, err := store.Keys(context.Background()).Recent(context.Background(), 2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(keys) != 2 || keys[0].ID != 2 || keys[1].ID != 1 {
		t.Fatalf("keys = %+v", keys)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestPGAccountsGetMissing(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery(`SELECT external_user_id, last_key_id, last_key_epoch, last_updated\s+FROM external_accounts`).
		WithArgs(int64(42)).
		WillReturnRows(sqlmock.NewRows([]string{"external_user_id", "last_key_id", "last_key_epoch", "last_updated"}))

	store := NewPG(db)
	acct, err := store.Accounts(context.Background()).Get(context.Background(), 42)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if acct != nil {
		t.Fatalf("acct = %+v, want nil", acct)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestPGLinksUpsertNull(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectExec(`INSERT INTO user_links`).
		WithArgs(int64(100), nil).
		WillReturnResult(sqlmock.NewResult(0, 1))

	store := NewPG(db)
	if err := store.Links(context.Background()).Upsert(context.Background(), 100, nil); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestPGCooldownsRoundTrip(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	now := time.Now().UTC()
	mock.ExpectExec(`INSERT INTO cooldowns`).
		WithArgs(int64(100), int64(3), now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT local_user_id, attempt_count, last_attempt\s+FROM cooldowns`).
		WithArgs(int64(100)).
		WillReturnRows(sqlmock.NewRows([]string{"local_user_id", "attempt_count", "last_attempt"}).
			AddRow(int64(100), int64(3), now))

	store := NewPG(db)
	ctx := context.Background()
	if err := store.Cooldowns(ctx).Upsert(ctx, 100, 3, now); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	cd, err := store.Cooldowns(ctx).Get(ctx, 100)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if cd == nil || cd.AttemptCount != 3 {
		t.Fatalf("cd = %+v", cd)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}
