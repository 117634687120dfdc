package identity

import (
	"strconv"

	"github.com/google/uuid"
)

// StudyNamespace scopes name-based study ids.
var StudyNamespace = uuid.MustParse("4b6f7c1e-2d9a-5e38-a1c4-7f0e9d2b3a65")

// Derive returns the preferred canonical id for a legacy key.
func Derive(key int64) uuid.UUID {
	return uuid.NewSHA1(StudyNamespace, []byte("study:"+strconv.FormatInt(key, 10)))
}

// DeriveHistorical returns the id earlier deployments wrote for a legacy key.
func DeriveHistorical(key int64) uuid.UUID {
	return uuid.NewMD5(StudyNamespace, []byte("study-"+strconv.FormatInt(key, 10)))
}

// Candidates lists the ids a legacy key may already live under, in lookup order.
func Candidates(key int64) []uuid.UUID {
	return []uuid.UUID{DeriveHistorical(key), Derive(key)}
}
