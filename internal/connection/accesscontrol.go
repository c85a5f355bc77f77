package connection

import "context"

// GrantDatabaseAccess shares dbName with username by wrapping the
// database's key to granteePublicKey, per spec.md section 4.4. dbName must
// already be open on this Connection so its dbKey is available to wrap.
func (c *Connection) GrantDatabaseAccess(ctx context.Context, dbName, username string, granteePublicKey []byte, readOnly bool) error {
	db, err := c.lookupOpenDatabase(dbName)
	if err != nil {
		return err
	}
	return c.accessControl.GrantDatabaseAccess(ctx, db.DBID, username, db.DBKey, granteePublicKey, readOnly)
}

// GetDatabaseAccessGrants enumerates and accepts every grant pending for
// this account, per spec.md section 4.4.
func (c *Connection) GetDatabaseAccessGrants(ctx context.Context) {
	c.accessControl.GetDatabaseAccessGrants(ctx)
}
