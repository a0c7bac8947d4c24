package narrative_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kinkys/narrativecore/internal/access"
	"github.com/kinkys/narrativecore/internal/currency"
	"github.com/kinkys/narrativecore/internal/docstore"
	"github.com/kinkys/narrativecore/internal/eventbus"
	"github.com/kinkys/narrativecore/internal/narrative"
	"github.com/kinkys/narrativecore/internal/users"
)

func openTestDocs(t *testing.T) *docstore.Store {
	t.Helper()
	dir := t.TempDir()
	store, err := docstore.Open(filepath.Join(dir, "docstore.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func seedFragment(t *testing.T, docs *docstore.Store, frag narrative.Fragment) {
	t.Helper()
	body, err := json.Marshal(frag)
	require.NoError(t, err)
	err = docs.WithTx(context.Background(), func(tx *sql.Tx) error {
		return docstore.PutDocument(context.Background(), tx, "narrative_fragments", frag.FragmentID, body)
	})
	require.NoError(t, err)
}

func seedUserState(t *testing.T, docs *docstore.Store, state users.StateDocument) {
	t.Helper()
	body, err := json.Marshal(state)
	require.NoError(t, err)
	err = docs.WithTx(context.Background(), func(tx *sql.Tx) error {
		return docstore.PutDocument(context.Background(), tx, "users", state.InternalID, body)
	})
	require.NoError(t, err)
}

func TestEngine_ProcessChoiceAdvancesFragmentAndCreditsReward(t *testing.T) {
	docs := openTestDocs(t)
	bus := eventbus.New(nil, docs, nil, 10)
	ledger := currency.New(docs, bus, nil)
	engine := narrative.New(docs, ledger, nil, bus, nil)

	seedFragment(t, docs, narrative.Fragment{
		FragmentID: "f1",
		Choices: []narrative.Choice{
			{ChoiceID: "c1", NextFragmentID: "f2", Rewards: narrative.Rewards{Currency: 15}},
		},
	})
	seedUserState(t, docs, users.StateDocument{
		InternalID:         "u1",
		NarrativeLevel:     1,
		CurrentFragmentID:  "f1",
		CompletedFragments: []string{},
		ChoicesLog:         []users.ChoiceLogItem{},
		UnlockedHints:      []string{},
	})

	err := engine.ProcessChoice(context.Background(), "u1", "f1", "c1", access.Subject{})
	require.NoError(t, err)

	res, err := ledger.Credit(context.Background(), "u1", 0, "noop", "check", "")
	require.NoError(t, err)
	require.Equal(t, int64(15), res.BalanceAfter)
}

func TestEngine_ProcessChoiceRejectsWrongCurrentFragment(t *testing.T) {
	docs := openTestDocs(t)
	bus := eventbus.New(nil, docs, nil, 10)
	ledger := currency.New(docs, bus, nil)
	engine := narrative.New(docs, ledger, nil, bus, nil)

	seedFragment(t, docs, narrative.Fragment{
		FragmentID: "f1",
		Choices:    []narrative.Choice{{ChoiceID: "c1", NextFragmentID: "f2"}},
	})
	seedUserState(t, docs, users.StateDocument{
		InternalID:         "u1",
		NarrativeLevel:     1,
		CurrentFragmentID:  "other",
		CompletedFragments: []string{},
		ChoicesLog:         []users.ChoiceLogItem{},
		UnlockedHints:      []string{},
	})

	err := engine.ProcessChoice(context.Background(), "u1", "f1", "c1", access.Subject{})
	require.Error(t, err)
}

func TestEngine_ProcessChoiceDeniesVIPGate(t *testing.T) {
	docs := openTestDocs(t)
	bus := eventbus.New(nil, docs, nil, 10)
	ledger := currency.New(docs, bus, nil)
	engine := narrative.New(docs, ledger, nil, bus, nil)

	seedFragment(t, docs, narrative.Fragment{
		FragmentID:  "f1",
		VIPRequired: true,
		Choices:     []narrative.Choice{{ChoiceID: "c1", NextFragmentID: "f2"}},
	})
	seedUserState(t, docs, users.StateDocument{
		InternalID:         "u1",
		NarrativeLevel:     1,
		CurrentFragmentID:  "f1",
		CompletedFragments: []string{},
		ChoicesLog:         []users.ChoiceLogItem{},
		UnlockedHints:      []string{},
	})

	err := engine.ProcessChoice(context.Background(), "u1", "f1", "c1", access.Subject{VIPActive: false})
	require.Error(t, err)
}

func TestEngine_ProcessChoiceEnforcesLevelPrecondition(t *testing.T) {
	docs := openTestDocs(t)
	bus := eventbus.New(nil, docs, nil, 10)
	ledger := currency.New(docs, bus, nil)
	engine := narrative.New(docs, ledger, nil, bus, nil)

	seedFragment(t, docs, narrative.Fragment{
		FragmentID: "f1",
		Choices: []narrative.Choice{
			{ChoiceID: "c1", NextFragmentID: "f2", Preconditions: narrative.Preconditions{MinLevel: 5}},
		},
	})
	seedUserState(t, docs, users.StateDocument{
		InternalID:         "u1",
		NarrativeLevel:     1,
		CurrentFragmentID:  "f1",
		CompletedFragments: []string{},
		ChoicesLog:         []users.ChoiceLogItem{},
		UnlockedHints:      []string{},
	})

	err := engine.ProcessChoice(context.Background(), "u1", "f1", "c1", access.Subject{NarrativeLevel: 1})
	require.Error(t, err)
}

func TestEngine_ProcessChoiceEnforcesItemPreconditionAndGrantsItemReward(t *testing.T) {
	docs := openTestDocs(t)
	bus := eventbus.New(nil, docs, nil, 10)
	ledger := currency.New(docs, bus, nil)
	engine := narrative.New(docs, ledger, nil, bus, nil)

	seedFragment(t, docs, narrative.Fragment{
		FragmentID: "f1",
		Choices: []narrative.Choice{
			{
				ChoiceID:       "c1",
				NextFragmentID: "f2",
				Preconditions:  narrative.Preconditions{RequiredItems: []string{"rusty_key"}},
				Rewards:        narrative.Rewards{Items: []string{"map_fragment"}},
			},
		},
	})
	seedUserState(t, docs, users.StateDocument{
		InternalID:         "u1",
		NarrativeLevel:     1,
		CurrentFragmentID:  "f1",
		CompletedFragments: []string{},
		ChoicesLog:         []users.ChoiceLogItem{},
		UnlockedHints:      []string{},
		Inventory:          []string{},
	})

	err := engine.ProcessChoice(context.Background(), "u1", "f1", "c1", access.Subject{})
	require.Error(t, err, "missing required item should block the choice")

	doc, err := docs.GetDocument(context.Background(), "users", "u1")
	require.NoError(t, err)
	var state users.StateDocument
	require.NoError(t, json.Unmarshal(doc.Body, &state))
	state.Inventory = []string{"rusty_key"}
	body, err := json.Marshal(state)
	require.NoError(t, err)
	require.NoError(t, docs.WithTx(context.Background(), func(tx *sql.Tx) error {
		return docstore.UpdateDocument(context.Background(), tx, "users", "u1", doc.Version, body)
	}))

	err = engine.ProcessChoice(context.Background(), "u1", "f1", "c1", access.Subject{})
	require.NoError(t, err)

	finalDoc, err := docs.GetDocument(context.Background(), "users", "u1")
	require.NoError(t, err)
	var finalState users.StateDocument
	require.NoError(t, json.Unmarshal(finalDoc.Body, &finalState))
	require.Contains(t, finalState.Inventory, "map_fragment")
}
