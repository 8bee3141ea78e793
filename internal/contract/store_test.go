package contract

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/transaction_gateway/internal/logging"
)

const sampleContract = `{
  "ApplicationID": "HDS",
  "ProjectID": "SYS",
  "TransactionID": "SYS010",
  "TransactionProjectID": "SYS",
  "Models": [
    {"Name": "Member", "Columns": [
      {"Name": "MemberNo", "DataType": "String", "Length": 10, "Default": "", "Require": true},
      {"Name": "Age", "DataType": "Int32", "Length": 4, "Default": 0, "Require": false}
    ]}
  ],
  "Services": [
    {"ServiceID": "G01", "ReturnType": "Json", "TransactionType": "D",
     "Inputs": [{"ModelID": "Member", "Fields": ["MemberNo"], "Type": "Row", "ParameterHandling": "Rejected"}],
     "Outputs": [{"ModelID": "Member", "Fields": [], "Type": "Form"}]},
    {"ServiceID": "S01", "ReturnType": "Json", "TransactionType": "S",
     "Inputs": [{"ModelID": "Dynamic", "Type": "Row"}, {"ModelID": "Dynamic", "Type": "List"}],
     "Outputs": [{"ModelID": "Dynamic", "Type": "Grid"}],
     "SequentialOptions": [
       {"ServiceID": "G01", "TransactionType": "D", "ServiceInputFields": [0], "ServiceOutputs": [0], "ResultHandling": "FieldMapping", "TargetInputFields": [1]},
       {"ServiceID": "G02", "TransactionType": "D", "ServiceInputFields": [1], "ServiceOutputs": [{"ModelID": "Dynamic", "Type": "Grid"}]}
     ]}
  ]
}`

func contractJSON(app, project, tx string) string {
	return fmt.Sprintf(`{"ApplicationID":%q,"ProjectID":%q,"TransactionID":%q,
"Services":[{"ServiceID":"G01","ReturnType":"Json","TransactionType":"D"}]}`, app, project, tx)
}

func writeFile(t *testing.T, dir, rel, body string) {
	t.Helper()
	path := filepath.Join(dir, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
}

func newStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	return NewStore(dir, "publicTransactions.json", logging.NewDiscard()), dir
}

func TestParse_Sample(t *testing.T) {
	c, err := Parse([]byte(sampleContract))
	require.NoError(t, err)

	assert.Equal(t, "HDS|SYS|SYS010", c.Key())
	require.NotNil(t, c.Model("Member"))
	assert.Equal(t, "Int32", c.Model("Member").Column("Age").DataType)
	assert.Nil(t, c.Model("Missing"))

	seq := c.Services[1]
	assert.Equal(t, KindSequential, seq.TransactionType)
	require.Len(t, seq.SequentialOptions, 2)
	assert.Equal(t, HandlingFieldMapping, seq.SequentialOptions[0].ResultHandling)
	assert.Equal(t, HandlingResultSet, seq.SequentialOptions[1].ResultHandling)
	assert.Equal(t, 0, seq.SequentialOptions[0].ServiceOutputs[0].Index)
	require.NotNil(t, seq.SequentialOptions[1].ServiceOutputs[0].Inline)
	assert.Equal(t, ShapeGrid, seq.SequentialOptions[1].ServiceOutputs[0].Inline.Type)
	assert.Equal(t, HandlingRejected, seq.Inputs[0].ParameterHandling)
}

func TestParse_RejectsUnknownEnums(t *testing.T) {
	tests := map[string]string{
		"kind":     `{"ApplicationID":"A","ProjectID":"P","TransactionID":"T","Services":[{"ServiceID":"S","TransactionType":"X"}]}`,
		"return":   `{"ApplicationID":"A","ProjectID":"P","TransactionID":"T","Services":[{"ServiceID":"S","TransactionType":"D","ReturnType":"Csv"}]}`,
		"shape":    `{"ApplicationID":"A","ProjectID":"P","TransactionID":"T","Services":[{"ServiceID":"S","TransactionType":"D","Outputs":[{"Type":"Table"}]}]}`,
		"handling": `{"ApplicationID":"A","ProjectID":"P","TransactionID":"T","Services":[{"ServiceID":"S","TransactionType":"D","Inputs":[{"ParameterHandling":"Skip"}]}]}`,
		"missing":  `{"ApplicationID":"A","ProjectID":"P","TransactionID":"T","Services":[{"ServiceID":"S"}]}`,
		"dup":      `{"ApplicationID":"A","ProjectID":"P","TransactionID":"T","Services":[{"ServiceID":"S","TransactionType":"D"},{"ServiceID":"S","TransactionType":"D"}]}`,
		"steps":    `{"ApplicationID":"A","ProjectID":"P","TransactionID":"T","Services":[{"ServiceID":"S","TransactionType":"S"}]}`,
		"index":    `{"ApplicationID":"A","ProjectID":"P","TransactionID":"T","Services":[{"ServiceID":"S","TransactionType":"S","SequentialOptions":[{"ServiceInputFields":[3]}]}]}`,
		"syntax":   `{"ApplicationID":`,
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(body))
			assert.Error(t, err)
		})
	}
}

func TestStore_ReloadAllAndResolve(t *testing.T) {
	s, dir := newStore(t)
	writeFile(t, dir, "HDS/SYS/SYS010.json", sampleContract)
	writeFile(t, dir, "HDS/SYS/SYS020.json", contractJSON("HDS", "SYS", "SYS020"))
	writeFile(t, dir, "HDS/SYS/broken.json", `{"ApplicationID":`)
	writeFile(t, dir, "HDS/SYS/dup.json", contractJSON("HDS", "SYS", "SYS020"))
	writeFile(t, dir, "HDS/readme.txt", "ignored")
	writeFile(t, dir, "publicTransactions.json", `[{"ApplicationID":"HDS","ProjectID":"SYS","TransactionID":"SYS020"}]`)

	require.NoError(t, s.ReloadAll())
	assert.Equal(t, 2, s.Len())

	c, ok := s.Resolve("HDS", "SYS", "SYS010")
	require.True(t, ok)
	svc, err := s.ResolveService(c, "G01")
	require.NoError(t, err)
	assert.Equal(t, KindDynamic, svc.TransactionType)

	_, err = s.ResolveService(c, "NOPE")
	assert.ErrorIs(t, err, ErrServiceNotFound)

	_, ok = s.Resolve("HDS", "SYS", "SYS999")
	assert.False(t, ok)

	assert.True(t, s.IsPublic("HDS", "SYS", "SYS020"))
	assert.False(t, s.IsPublic("HDS", "SYS", "SYS010"))
}

func TestStore_ResolveServiceAmbiguous(t *testing.T) {
	s, _ := newStore(t)
	c := &BusinessContract{Services: []TransactionInfo{{ServiceID: "G01"}, {ServiceID: "G01"}}}
	_, err := s.ResolveService(c, "G01")
	assert.ErrorIs(t, err, ErrAmbiguousService)
}

func TestStore_ResolveServiceReturnsCopy(t *testing.T) {
	s, dir := newStore(t)
	writeFile(t, dir, "a.json", sampleContract)
	require.NoError(t, s.ReloadAll())

	c, _ := s.Resolve("HDS", "SYS", "SYS010")
	svc, err := s.ResolveService(c, "G01")
	require.NoError(t, err)
	svc.Inputs[0].Fields[0] = "Mutated"
	svc.Inputs = append(svc.Inputs, InputContract{})

	again, err := s.ResolveService(c, "G01")
	require.NoError(t, err)
	assert.Equal(t, "MemberNo", again.Inputs[0].Fields[0])
	assert.Len(t, again.Inputs, 1)
}

func TestStore_AddRemoveRefresh(t *testing.T) {
	s, dir := newStore(t)
	writeFile(t, dir, "x/one.json", contractJSON("A", "P", "T1"))
	writeFile(t, dir, "x/two.json", contractJSON("A", "P", "T1"))

	assert.True(t, s.Add("x/one.json"))
	assert.False(t, s.Add("x/one.json"), "same path twice")
	assert.False(t, s.Add("x/two.json"), "duplicate triple")
	assert.False(t, s.Add("x/missing.json"))
	assert.Equal(t, 1, s.Count("A", "P", "T1"))

	writeFile(t, dir, "x/one.json", contractJSON("A", "P", "T2"))
	assert.True(t, s.Refresh("x/one.json"))
	_, ok := s.Resolve("A", "P", "T2")
	assert.True(t, ok)

	assert.True(t, s.Remove("x/one.json"))
	assert.False(t, s.Remove("x/one.json"))
	assert.Equal(t, 0, s.Len())
}

func TestStore_RetrieveSnapshotAndLogging(t *testing.T) {
	s, dir := newStore(t)
	writeFile(t, dir, "a/1.json", contractJSON("A", "P1", "T1"))
	writeFile(t, dir, "a/2.json", contractJSON("A", "P2", "T2"))
	writeFile(t, dir, "b/1.json", contractJSON("B", "P1", "T1"))
	require.NoError(t, s.ReloadAll())

	assert.Len(t, s.Retrieve("A", "", ""), 2)
	assert.Len(t, s.Retrieve("A", "P2", ""), 1)
	assert.Empty(t, s.Retrieve("C", "", ""))

	snap := s.Snapshot()
	assert.Contains(t, snap, "a/1.json")

	assert.True(t, s.SetServiceLogging("A", "P1", "T1", "G01", true))
	c, _ := s.Resolve("A", "P1", "T1")
	svc, _ := s.ResolveService(c, "G01")
	assert.True(t, svc.TransactionLog)
	assert.False(t, s.SetServiceLogging("A", "P1", "T1", "ZZZ", true))
}

func TestStore_ReadsAreIsolatedFromLoggingToggles(t *testing.T) {
	s, dir := newStore(t)
	writeFile(t, dir, "a.json", sampleContract)
	require.NoError(t, s.ReloadAll())

	c, _ := s.Resolve("HDS", "SYS", "SYS010")
	listed := s.Retrieve("HDS", "SYS", "SYS010")
	snap := s.Snapshot()
	require.Len(t, listed, 1)

	require.True(t, s.SetServiceLogging("HDS", "SYS", "SYS010", "G01", true))
	assert.False(t, c.Services[0].TransactionLog)
	assert.False(t, listed[0].Services[0].TransactionLog)
	assert.False(t, snap["a.json"].Services[0].TransactionLog)

	c.Models[0].Columns[0].Name = "Mutated"
	c.Services[1].SequentialOptions[1].ServiceOutputs[0].Inline.ModelID = "Mutated"
	again, _ := s.Resolve("HDS", "SYS", "SYS010")
	assert.Equal(t, "MemberNo", again.Models[0].Columns[0].Name)
	assert.Equal(t, ModelDynamic, again.Services[1].SequentialOptions[1].ServiceOutputs[0].Inline.ModelID)
	assert.True(t, again.Services[0].TransactionLog)
}

func TestStore_ConcurrentLoggingAndReads(t *testing.T) {
	s, dir := newStore(t)
	writeFile(t, dir, "a.json", sampleContract)
	require.NoError(t, s.ReloadAll())

	var wg sync.WaitGroup
	wg.Add(4)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			s.SetServiceLogging("HDS", "SYS", "SYS010", "G01", i%2 == 0)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			c, ok := s.Resolve("HDS", "SYS", "SYS010")
			if assert.True(t, ok) {
				_, err := json.Marshal(c)
				assert.NoError(t, err)
			}
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			_, err := json.Marshal(s.Retrieve("HDS", "", ""))
			assert.NoError(t, err)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			_, err := json.Marshal(s.Snapshot())
			assert.NoError(t, err)
		}
	}()
	wg.Wait()
}

func TestStore_ReloadAllBadBasePath(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "missing"), "", logging.NewDiscard())
	assert.Error(t, s.ReloadAll())
}

func TestStore_ConcurrentReloadAndResolve(t *testing.T) {
	s, dir := newStore(t)
	for i := 0; i < 20; i++ {
		writeFile(t, dir, fmt.Sprintf("c%02d.json", i), contractJSON("A", "P", fmt.Sprintf("T%02d", i)))
	}
	require.NoError(t, s.ReloadAll())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = s.ReloadAll()
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				c, ok := s.Resolve("A", "P", fmt.Sprintf("T%02d", j))
				if assert.True(t, ok) {
					_, err := s.ResolveService(c, "G01")
					assert.NoError(t, err)
				}
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 20, s.Len())
}

func TestAdHocContracts(t *testing.T) {
	in, out, err := AdHocContracts("Row,List|Form,Grid,Addition")
	require.NoError(t, err)
	require.Len(t, in, 2)
	assert.Equal(t, HandlingRejected, in[0].ParameterHandling)
	assert.Equal(t, HandlingByPassing, in[1].ParameterHandling)
	assert.True(t, in[0].AdHoc)
	assert.Equal(t, ModelDynamic, in[1].ModelID)
	require.Len(t, out, 3)
	assert.Equal(t, ShapeAddition, out[2].Type)

	_, _, err = AdHocContracts("Row")
	assert.Error(t, err)
	_, _, err = AdHocContracts("Table|Form")
	assert.Error(t, err)
	_, _, err = AdHocContracts("Row|Sheet")
	assert.Error(t, err)

	in, out, err = AdHocContracts("")
	assert.NoError(t, err)
	assert.Nil(t, in)
	assert.Nil(t, out)
}

func TestApplyAdHoc_DeclaredWins(t *testing.T) {
	svc := &TransactionInfo{Outputs: []OutputContract{{ModelID: "M", Type: ShapeForm}}}
	require.NoError(t, svc.ApplyAdHoc("List|Grid"))
	require.Len(t, svc.Inputs, 1)
	assert.Equal(t, CardinalityList, svc.Inputs[0].Type)
	require.Len(t, svc.Outputs, 1)
	assert.Equal(t, "M", svc.Outputs[0].ModelID)
}
