package storage

// The schema is written in the subset of SQL shared by SQLite and
// MySQL/TiDB. Timestamps are unix milliseconds.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS directories (
		id         VARCHAR(36)  NOT NULL PRIMARY KEY,
		name       VARCHAR(255) NOT NULL,
		parent_id  VARCHAR(36)  NULL,
		created_at BIGINT       NOT NULL,
		FOREIGN KEY (parent_id) REFERENCES directories(id) ON DELETE CASCADE
	)`,
	`CREATE TABLE IF NOT EXISTS files (
		id           VARCHAR(36)   NOT NULL PRIMARY KEY,
		name         VARCHAR(1024) NOT NULL,
		size         BIGINT        NOT NULL,
		chunk_size   BIGINT        NOT NULL,
		chunk_count  INTEGER       NOT NULL DEFAULT 0,
		status       VARCHAR(16)   NOT NULL,
		directory_id VARCHAR(36)   NULL,
		created_at   BIGINT        NOT NULL,
		FOREIGN KEY (directory_id) REFERENCES directories(id) ON DELETE SET NULL
	)`,
	`CREATE TABLE IF NOT EXISTS chunks (
		file_id  VARCHAR(36)  NOT NULL,
		idx      INTEGER      NOT NULL,
		size     BIGINT       NOT NULL,
		checksum VARCHAR(128) NOT NULL,
		locator  TEXT         NOT NULL,
		encoding VARCHAR(16)  NOT NULL,
		PRIMARY KEY (file_id, idx),
		FOREIGN KEY (file_id) REFERENCES files(id) ON DELETE CASCADE
	)`,
}
