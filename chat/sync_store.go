package chat

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	_ "modernc.org/sqlite"
)

var ErrSyncEventNotFound = errors.New("Sync event not found.")

// the durable backing of the sync queue.
// `Claim` is an exclusive lease with an owner and expiry, shared by every
// process using the same store.
type SyncEventStore interface {
	// insert or replace the record content. Lease state is kept.
	Put(ctx context.Context, records ...*SyncEventRecord) error
	// missing ids are skipped
	GetMany(ctx context.Context, ids []Id) ([]*SyncEventRecord, error)
	DeleteMany(ctx context.Context, ids []Id) error
	// all records in creation order
	All(ctx context.Context) ([]*SyncEventRecord, error)
	// claims the record for `owner` until `now + lease`.
	// succeeds if the record is unleased, the lease expired, or `owner` already holds it.
	// returns `ErrLeaseHeld` if another owner holds an unexpired lease.
	Claim(ctx context.Context, id Id, owner Id, now time.Time, lease time.Duration) error
	// releases the lease if held by `owner`
	Release(ctx context.Context, id Id, owner Id) error
	Close() error
}

type MemorySyncEventStore struct {
	stateLock sync.Mutex
	records   map[Id]*SyncEventRecord
}

func NewMemorySyncEventStore() *MemorySyncEventStore {
	return &MemorySyncEventStore{
		records: map[Id]*SyncEventRecord{},
	}
}

func (self *MemorySyncEventStore) Put(ctx context.Context, records ...*SyncEventRecord) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	for _, record := range records {
		stored := copySyncEventRecord(record)
		if existing, ok := self.records[record.Id]; ok {
			stored.LeaseOwner = existing.LeaseOwner
			stored.LeaseExpiresAt = existing.LeaseExpiresAt
		} else {
			stored.LeaseOwner = nil
			stored.LeaseExpiresAt = time.Time{}
		}
		self.records[record.Id] = stored
	}
	return nil
}

func (self *MemorySyncEventStore) GetMany(ctx context.Context, ids []Id) ([]*SyncEventRecord, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	records := []*SyncEventRecord{}
	for _, id := range ids {
		if record, ok := self.records[id]; ok {
			records = append(records, copySyncEventRecord(record))
		}
	}
	return records, nil
}

func (self *MemorySyncEventStore) DeleteMany(ctx context.Context, ids []Id) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	for _, id := range ids {
		delete(self.records, id)
	}
	return nil
}

func (self *MemorySyncEventStore) All(ctx context.Context) ([]*SyncEventRecord, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	records := []*SyncEventRecord{}
	for _, record := range self.records {
		records = append(records, copySyncEventRecord(record))
	}
	sortSyncEventRecords(records)
	return records, nil
}

func (self *MemorySyncEventStore) Claim(ctx context.Context, id Id, owner Id, now time.Time, lease time.Duration) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	record, ok := self.records[id]
	if !ok {
		return ErrSyncEventNotFound
	}
	if record.LeaseOwner != nil && *record.LeaseOwner != owner && now.Before(record.LeaseExpiresAt) {
		return ErrLeaseHeld
	}
	record.LeaseOwner = &owner
	record.LeaseExpiresAt = now.Add(lease)
	return nil
}

func (self *MemorySyncEventStore) Release(ctx context.Context, id Id, owner Id) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	record, ok := self.records[id]
	if !ok {
		return nil
	}
	if record.LeaseOwner != nil && *record.LeaseOwner == owner {
		record.LeaseOwner = nil
		record.LeaseExpiresAt = time.Time{}
	}
	return nil
}

func (self *MemorySyncEventStore) Close() error {
	return nil
}

func copySyncEventRecord(record *SyncEventRecord) *SyncEventRecord {
	c := *record
	c.Depends = slices.Clone(record.Depends)
	c.Headers = maps.Clone(record.Headers)
	c.Data = normalizeValue(record.Data)
	if record.LeaseOwner != nil {
		leaseOwner := *record.LeaseOwner
		c.LeaseOwner = &leaseOwner
	}
	return &c
}

func sortSyncEventRecords(records []*SyncEventRecord) {
	slices.SortFunc(records, func(a *SyncEventRecord, b *SyncEventRecord) int {
		if a.CreatedAt.Before(b.CreatedAt) {
			return -1
		} else if b.CreatedAt.Before(a.CreatedAt) {
			return 1
		} else if a.Id.LessThan(b.Id) {
			return -1
		} else if b.Id.LessThan(a.Id) {
			return 1
		} else {
			return 0
		}
	})
}

const sqliteSyncEventSchema = `
CREATE TABLE IF NOT EXISTS sync_events (
    sync_event_id TEXT PRIMARY KEY,
    operation TEXT NOT NULL,
    target TEXT NOT NULL,
    depends TEXT NOT NULL,
    data BLOB,
    create_time INTEGER NOT NULL,
    kind TEXT NOT NULL,
    url TEXT NOT NULL DEFAULT '',
    method TEXT NOT NULL DEFAULT '',
    headers TEXT NOT NULL DEFAULT '{}',
    return_changes_array INTEGER NOT NULL DEFAULT 0,
    attempt INTEGER NOT NULL DEFAULT 0,
    lease_owner TEXT,
    lease_expire_time INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS sync_events_create_time ON sync_events (create_time, sync_event_id);
`

const sqliteSyncEventColumns = `sync_event_id, operation, target, depends, data, create_time, kind, url, method, headers, return_changes_array, attempt, lease_owner, lease_expire_time`

// a sync event store in a sqlite database file.
// the database file may be shared by multiple processes.
type SqliteSyncEventStore struct {
	db *sql.DB
}

func NewSqliteSyncEventStore(ctx context.Context, path string) (*SqliteSyncEventStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// a single connection serializes writers within this process;
	// busy_timeout serializes writers across processes
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, err
		}
	}
	if _, err := db.ExecContext(ctx, sqliteSyncEventSchema); err != nil {
		db.Close()
		return nil, err
	}
	glog.V(1).Infof("[store]opened %s\n", path)
	return &SqliteSyncEventStore{
		db: db,
	}, nil
}

func (self *SqliteSyncEventStore) Put(ctx context.Context, records ...*SyncEventRecord) error {
	tx, err := self.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, record := range records {
		dependsJson, err := json.Marshal(record.Depends)
		if err != nil {
			return err
		}
		headers := record.Headers
		if headers == nil {
			headers = map[string]string{}
		}
		headersJson, err := json.Marshal(headers)
		if err != nil {
			return err
		}
		dataBytes, err := encodeSyncEventData(record.Data)
		if err != nil {
			return fmt.Errorf("Encode sync event %s data: %w", record.Id, err)
		}
		_, err = tx.ExecContext(
			ctx,
			`
                INSERT INTO sync_events (
                    sync_event_id, operation, target, depends, data, create_time,
                    kind, url, method, headers, return_changes_array, attempt
                ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
                ON CONFLICT (sync_event_id) DO UPDATE SET
                    operation = excluded.operation,
                    target = excluded.target,
                    depends = excluded.depends,
                    data = excluded.data,
                    create_time = excluded.create_time,
                    kind = excluded.kind,
                    url = excluded.url,
                    method = excluded.method,
                    headers = excluded.headers,
                    return_changes_array = excluded.return_changes_array,
                    attempt = excluded.attempt
            `,
			record.Id.String(),
			string(record.Operation),
			record.Target,
			string(dependsJson),
			dataBytes,
			record.CreatedAt.UnixNano(),
			string(record.Kind),
			record.Url,
			record.Method,
			string(headersJson),
			record.ReturnChangesArray,
			record.Attempt,
		)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (self *SqliteSyncEventStore) GetMany(ctx context.Context, ids []Id) ([]*SyncEventRecord, error) {
	records := []*SyncEventRecord{}
	for _, id := range ids {
		rows, err := self.db.QueryContext(
			ctx,
			`SELECT `+sqliteSyncEventColumns+` FROM sync_events WHERE sync_event_id = ?`,
			id.String(),
		)
		if err != nil {
			return nil, err
		}
		found, err := scanSyncEventRecords(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, found...)
	}
	return records, nil
}

func (self *SqliteSyncEventStore) DeleteMany(ctx context.Context, ids []Id) error {
	tx, err := self.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `DELETE FROM sync_events WHERE sync_event_id = ?`, id.String()); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (self *SqliteSyncEventStore) All(ctx context.Context) ([]*SyncEventRecord, error) {
	rows, err := self.db.QueryContext(
		ctx,
		`SELECT `+sqliteSyncEventColumns+` FROM sync_events ORDER BY create_time, sync_event_id`,
	)
	if err != nil {
		return nil, err
	}
	records, err := scanSyncEventRecords(rows)
	if err != nil {
		return nil, err
	}
	// ulid string order and byte order agree; sort for equal create times
	sortSyncEventRecords(records)
	return records, nil
}

func (self *SqliteSyncEventStore) Claim(ctx context.Context, id Id, owner Id, now time.Time, lease time.Duration) error {
	result, err := self.db.ExecContext(
		ctx,
		`
            UPDATE sync_events
            SET lease_owner = ?, lease_expire_time = ?
            WHERE sync_event_id = ? AND (
                lease_owner IS NULL OR
                lease_owner = ? OR
                lease_expire_time <= ?
            )
        `,
		owner.String(),
		now.Add(lease).UnixNano(),
		id.String(),
		owner.String(),
		now.UnixNano(),
	)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 1 {
		return nil
	}

	var count int
	err = self.db.QueryRowContext(
		ctx,
		`SELECT COUNT(*) FROM sync_events WHERE sync_event_id = ?`,
		id.String(),
	).Scan(&count)
	if err != nil {
		return err
	}
	if count == 0 {
		return ErrSyncEventNotFound
	}
	return ErrLeaseHeld
}

func (self *SqliteSyncEventStore) Release(ctx context.Context, id Id, owner Id) error {
	_, err := self.db.ExecContext(
		ctx,
		`
            UPDATE sync_events
            SET lease_owner = NULL, lease_expire_time = 0
            WHERE sync_event_id = ? AND lease_owner = ?
        `,
		id.String(),
		owner.String(),
	)
	return err
}

func (self *SqliteSyncEventStore) Close() error {
	return self.db.Close()
}

func scanSyncEventRecords(rows *sql.Rows) ([]*SyncEventRecord, error) {
	defer rows.Close()

	records := []*SyncEventRecord{}
	for rows.Next() {
		var idStr string
		var operation string
		var target string
		var dependsJson string
		var dataBytes []byte
		var createTime int64
		var kind string
		var url string
		var method string
		var headersJson string
		var returnChangesArray bool
		var attempt int
		var leaseOwnerStr sql.NullString
		var leaseExpireTime int64
		err := rows.Scan(
			&idStr,
			&operation,
			&target,
			&dependsJson,
			&dataBytes,
			&createTime,
			&kind,
			&url,
			&method,
			&headersJson,
			&returnChangesArray,
			&attempt,
			&leaseOwnerStr,
			&leaseExpireTime,
		)
		if err != nil {
			return nil, err
		}

		id, err := ParseId(idStr)
		if err != nil {
			return nil, err
		}
		record := &SyncEventRecord{
			Id:                 id,
			Operation:          Operation(operation),
			Target:             target,
			CreatedAt:          time.Unix(0, createTime),
			Kind:               SyncEventKind(kind),
			Url:                url,
			Method:             method,
			ReturnChangesArray: returnChangesArray,
			Attempt:            attempt,
		}
		if err := json.Unmarshal([]byte(dependsJson), &record.Depends); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(headersJson), &record.Headers); err != nil {
			return nil, err
		}
		if record.Data, err = decodeSyncEventData(dataBytes); err != nil {
			return nil, fmt.Errorf("Decode sync event %s data: %w", id, err)
		}
		if leaseOwnerStr.Valid {
			leaseOwner, err := ParseId(leaseOwnerStr.String)
			if err != nil {
				return nil, err
			}
			record.LeaseOwner = &leaseOwner
			record.LeaseExpiresAt = time.Unix(0, leaseExpireTime)
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

// payloads are json-like trees, stored as a protobuf `Value`
func encodeSyncEventData(data any) ([]byte, error) {
	if data == nil {
		return nil, nil
	}
	value, err := structpb.NewValue(normalizeValue(data))
	if err != nil {
		return nil, err
	}
	return proto.Marshal(value)
}

func decodeSyncEventData(dataBytes []byte) (any, error) {
	if len(dataBytes) == 0 {
		return nil, nil
	}
	value := &structpb.Value{}
	if err := proto.Unmarshal(dataBytes, value); err != nil {
		return nil, err
	}
	return value.AsInterface(), nil
}
