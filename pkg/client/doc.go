// Package client is the AuditVault Go SDK.
//
// It wraps the audit daemon's HTTP API: recording events, querying the
// hash-chained ledger, triggering chain verification, and rotating vault
// keys, with session token handling built in.
//
// # Connecting
//
// Pass the access secret for your role; tokens are obtained lazily and
// refreshed automatically after expiry:
//
//	c, err := client.New("https://audit.internal:8080",
//	    client.WithCredentials("compliance-officer-3", os.Getenv("AUDIT_SECRET")),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
// # Recording an event
//
//	stored, err := c.RecordEvent(ctx, client.Event{
//	    UserID:      "clinician-7",
//	    Action:      "view",
//	    Resource:    "patient_record",
//	    ResourceID:  "pr-2291",
//	    Result:      "success",
//	    RiskLevel:   "high",
//	    PHIInvolved: true,
//	})
//
// The returned record carries the server-assigned ID and chain hashes.
//
// # Querying and verifying
//
//	events, err := c.QueryEvents(ctx, client.Query{UserID: "clinician-7", Limit: 100})
//	report, err := c.VerifyChain(ctx)
//	if !report.Valid {
//	    log.Printf("corrupted blocks: %v", report.CorruptedBlocks)
//	}
//
// # Pre-obtained tokens
//
// When a session token is managed elsewhere, attach it directly. It is not
// refreshed when it expires:
//
//	c, _ := client.New("https://audit.internal:8080", client.WithBearerToken(token))
package client
