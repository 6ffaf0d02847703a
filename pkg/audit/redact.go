package audit

import (
	"crypto/sha256"
	"encoding/hex"

	"rdcp/pkg/models"
)

// Redactor transforms a record before it reaches the sink. Redactors must
// not mutate maps shared with the caller.
type Redactor func(models.AuditRecord) models.AuditRecord

// HashOperator replaces the operator with a salted SHA-256 digest.
func HashOperator(salt []byte) Redactor {
	return func(rec models.AuditRecord) models.AuditRecord {
		if rec.Operator != "" {
			rec.Operator = hashString(rec.Operator, salt)
		}
		return rec
	}
}

func DropReason(rec models.AuditRecord) models.AuditRecord {
	rec.Reason = ""
	return rec
}

func ChainRedactors(rs ...Redactor) Redactor {
	return func(rec models.AuditRecord) models.AuditRecord {
		for _, r := range rs {
			if r != nil {
				rec = r(rec)
			}
		}
		return rec
	}
}

// ParseRedactors maps a comma list such as "operator,reason".
func ParseRedactors(names []string, salt []byte) Redactor {
	var rs []Redactor
	for _, n := range names {
		switch n {
		case "operator":
			rs = append(rs, HashOperator(salt))
		case "reason":
			rs = append(rs, DropReason)
		}
	}
	if len(rs) == 0 {
		return nil
	}
	return ChainRedactors(rs...)
}

func hashString(v string, salt []byte) string {
	return hashBytes([]byte(v), salt)
}

func hashBytes(b []byte, salt []byte) string {
	h := sha256.New()
	if len(salt) > 0 {
		_, _ = h.Write(salt)
	}
	_, _ = h.Write(b)
	return hex.EncodeToString(h.Sum(nil))
}
