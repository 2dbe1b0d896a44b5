/*
Package crmdb provides the dual-dialect database layer of the CRM backend.

The same route-level SQL runs against MySQL or PostgreSQL. crmdb wraps Bun
with:
  - A dialect-neutral executor returning normalized rows and fields
  - Connection and transaction lifecycle management with savepoints
  - Bounded retries of transient connectivity failures
  - Always-answering health and pool status reporting
  - Configuration from DB_* environment variables and .env files
  - Structured errors mapped from MySQL and PostgreSQL codes

# Basic Usage

	_ = crmdb.LoadEnvFiles(".env")
	cfg, err := crmdb.ConfigFromEnv()
	if err != nil {
	    log.Fatal(err)
	}

	db, err := crmdb.New(cfg.WithLogger(slog.Default()))
	if err != nil {
	    log.Fatal(err)
	}
	defer db.Close()

# Executing Statements

Placeholders may be written as $1 or ?, on either dialect:

	res, err := db.Execute(ctx, "SELECT id, name FROM leads WHERE stage = $1", "won")
	for _, row := range res.Rows {
	    fmt.Println(row["id"], row["name"])
	}

	res, err = db.Execute(ctx, "UPDATE tasks SET done = ? WHERE id = ?", true, 20)
	fmt.Println(res.RowsAffected)

Rows can be scanned into structs instead:

	leads, err := crmdb.Select[Lead](ctx, db, "SELECT * FROM leads WHERE owner_id = $1", userID)

# Transactions

Callback-based (auto commit/rollback):

	err := db.Transaction(ctx, func(conn *crmdb.Conn) error {
	    if _, err := conn.Execute(ctx, "INSERT INTO invoices (number) VALUES ($1)", "INV-0040"); err != nil {
	        return err // rollback
	    }
	    return nil // commit
	})

Manual control:

	conn, err := db.GetConnection(ctx)
	if err != nil {
	    return err
	}
	defer db.ReleaseConnection(conn) // rolls back anything left open

	if err := db.BeginTransaction(ctx, conn); err != nil {
	    return err
	}
	// ... statements on conn ...
	return db.CommitTransaction(ctx, conn)

# Retries

Statements on the DB retry lost or refused connections three times, one
second apart. Statements on a Conn are never retried. Opt out
per call for non-idempotent writes:

	res, err := db.Execute(crmdb.NoRetry(ctx), "INSERT INTO payments ...", args...)

# Error Handling

	if _, err := db.Execute(ctx, query, args...); err != nil {
	    if crmdb.IsDuplicate(err) {
	        // Handle duplicate key
	    }

	    var dbErr *crmdb.Error
	    if errors.As(err, &dbErr) {
	        fmt.Println(dbErr.Code)       // DUPLICATE
	        fmt.Println(dbErr.Constraint) // contacts_email_key
	    }
	}
*/
package crmdb
