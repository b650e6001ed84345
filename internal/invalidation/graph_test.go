package invalidation

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/charlesng35/carecache/internal/cache"
)

func TestPatientsCascadeToDependentViews(t *testing.T) {
	require.ElementsMatch(t,
		[]string{"appointments", "prescriptions", "lab_orders", "invoices", "consultations"},
		Related("patients"),
	)
}

func TestRelationshipsOnlyReferenceKnownStores(t *testing.T) {
	known := map[string]bool{}
	for _, store := range cache.KnownStores {
		known[store] = true
	}

	for entity, related := range Relationships {
		require.True(t, known[entity], "unknown entity %q", entity)
		for _, other := range related {
			require.True(t, known[other], "%s lists unknown entity %q", entity, other)
			require.NotEqual(t, entity, other)
		}
	}
}

func TestRelatedReturnsCopy(t *testing.T) {
	related := Related("vitals")
	related[0] = "mutated"
	require.Equal(t, []string{"nursing_notes"}, Relationships["vitals"])
	require.Nil(t, Related("unknown"))
}
