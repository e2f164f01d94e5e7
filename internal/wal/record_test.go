package wal

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/intellect4all/dbcore/internal/storage/common"
)

func TestEncodeDecodeInsert(t *testing.T) {
	r := &Record{
		LSN: 7, PrevLSN: 3, TxnID: 42, Type: RecInsert,
		Resource: ResourceRef{Table: "orders", PageID: 5, RecordID: 2},
		After:    []byte("row-bytes"),
	}
	got, err := Decode(Encode(r))
	require.NoError(t, err)
	require.Equal(t, r.LSN, got.LSN)
	require.Equal(t, r.PrevLSN, got.PrevLSN)
	require.Equal(t, r.TxnID, got.TxnID)
	require.Equal(t, r.Resource, got.Resource)
	require.Equal(t, r.After, got.After)
	require.Equal(t, len(r.After), got.RecordSize)
}

func TestEncodeDecodeUpdate(t *testing.T) {
	r := &Record{
		LSN: 1, TxnID: 9, Type: RecUpdate,
		Resource: ResourceRef{Table: "t", PageID: 1, RecordID: 1},
		Before:   []byte("before"),
		After:    []byte("after!"),
	}
	got, err := Decode(Encode(r))
	require.NoError(t, err)
	require.Equal(t, r.Before, got.Before)
	require.Equal(t, r.After, got.After)
}

func TestEncodeDecodeCLRForUndoOfInsert(t *testing.T) {
	r := &Record{
		LSN: 12, TxnID: 9, Type: RecCLR,
		Resource:     ResourceRef{Table: "t", PageID: 1, RecordID: 4},
		UndoNextLSN:  2,
		OriginalType: RecInsert,
		RecordSize:   16,
	}
	got, err := Decode(Encode(r))
	require.NoError(t, err)
	require.Equal(t, common.LSN(2), got.UndoNextLSN)
	require.Equal(t, RecInsert, got.OriginalType)
	require.Equal(t, 16, got.RecordSize)
	require.Empty(t, got.Before)
}

func TestEncodeDecodeEndCheckpoint(t *testing.T) {
	r := &Record{
		TxnID: common.SystemTxnID, Type: RecEndCheckpoint,
		ATT: []CheckpointEntry{{ID: 1, LSN: 10}, {ID: 2, LSN: 20}},
		DPT: []CheckpointEntry{{ID: 100, LSN: 5}},
	}
	got, err := Decode(Encode(r))
	require.NoError(t, err)
	require.Equal(t, r.ATT, got.ATT)
	require.Equal(t, r.DPT, got.DPT)
}

func TestEncodeDecodeDDL(t *testing.T) {
	r := &Record{
		TxnID: common.SystemTxnID, Type: RecCreateTable,
		Name: "accounts", Payload: []byte(`{"columns":[]}`),
	}
	got, err := Decode(Encode(r))
	require.NoError(t, err)
	require.Equal(t, "accounts", got.Name)
	require.Equal(t, r.Payload, got.Payload)
}

func TestBuildUndoInfo(t *testing.T) {
	del := &Record{Type: RecDelete, Resource: ResourceRef{Table: "t", PageID: 1, RecordID: 1}, Before: []byte("gone")}
	info := BuildUndoInfo(del)
	require.Equal(t, RecDelete, info.OriginalType)
	require.Equal(t, []byte("gone"), info.Before)

	ins := &Record{Type: RecInsert, Resource: ResourceRef{Table: "t", PageID: 1, RecordID: 1}, After: []byte("xx"), RecordSize: 2}
	info = BuildUndoInfo(ins)
	require.Equal(t, RecInsert, info.OriginalType)
	require.Nil(t, info.Before)
	require.Equal(t, 2, info.RecordSize)
}
