/*
 * Omega is an advanced email service that supports Microsoft ActiveSync.
 *
 * Copyright (C) 2016, 2017 Kitae Kim <superkkt@gmail.com>
 *
 * This program is free software; you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation; either version 2 of the License, or
 * any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License along
 * with this program; if not, write to the Free Software Foundation, Inc.,
 * 51 Franklin Street, Fifth Floor, Boston, MA 02110-1301 USA.
 */

package eas14

import (
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/superkkt/omega-eas/activesync"
)

func TestSyncInitialAndDelta(t *testing.T) {
	env := newTestEnv(t)
	item := env.addItem(inboxID, "<Subject>hello</Subject>")

	key := env.primedSync(inboxID)

	v := env.sync(key, inboxID, "")
	require.Equal(t, 1, v.Status)
	require.NotNil(t, v.Commands)
	require.Len(t, v.Commands.Add, 1)
	assert.Equal(t, item.ID, v.Commands.Add[0].ServerId)
	assert.Equal(t, "<Subject>hello</Subject>", string(v.Commands.Add[0].ApplicationData.Data))
	assert.Nil(t, v.MoreAvailable)
	assert.NotEqual(t, key, v.SyncKey)
	key = v.SyncKey

	// Nothing left to send: the key does not advance.
	v = env.sync(key, inboxID, "")
	require.Equal(t, 1, v.Status)
	assert.Nil(t, v.Commands)
	assert.Equal(t, key, v.SyncKey)

	_, err := env.mailbox().UpdateItem(t.Context(), inboxID, item.ID, []byte("<Subject>changed</Subject>"))
	require.NoError(t, err)
	v = env.sync(key, inboxID, "")
	require.NotNil(t, v.Commands)
	require.Len(t, v.Commands.Change, 1)
	assert.Equal(t, "<Subject>changed</Subject>", string(v.Commands.Change[0].ApplicationData.Data))
	key = v.SyncKey

	require.NoError(t, env.mailbox().DeleteItem(t.Context(), inboxID, item.ID))
	v = env.sync(key, inboxID, "")
	require.NotNil(t, v.Commands)
	require.Len(t, v.Commands.Delete, 1)
	assert.Equal(t, item.ID, v.Commands.Delete[0].ServerId)
}

func TestSyncInitialRejectsCommands(t *testing.T) {
	env := newTestEnv(t)

	v := env.sync("0", inboxID, "<GetChanges>1</GetChanges>")
	assert.Equal(t, 10, v.Status)
	assert.Empty(t, v.SyncKey)

	v = env.sync("0", inboxID, `<Commands><Fetch><ServerId>1:1</ServerId></Fetch></Commands>`)
	assert.Equal(t, 10, v.Status)
}

func TestSyncInvalidKey(t *testing.T) {
	env := newTestEnv(t)
	key := env.primedSync(inboxID)
	env.addItem(inboxID, "<Subject>a</Subject>")
	next := env.sync(key, inboxID, "")
	require.NotEqual(t, key, next.SyncKey)

	// The superseded key is rejected.
	v := env.sync(key, inboxID, "")
	assert.Equal(t, 9, v.Status)
	assert.Empty(t, v.SyncKey)

	v = env.sync("garbage", inboxID, "")
	assert.Equal(t, 9, v.Status)

	// A collection that has never been primed.
	v = env.sync(key, draftsID, "")
	assert.Equal(t, 9, v.Status)
}

func TestSyncUnknownCollection(t *testing.T) {
	env := newTestEnv(t)

	v := env.sync("0", "999", "")
	assert.Equal(t, 12, v.Status)
	assert.Empty(t, v.SyncKey)
}

func TestSyncWindow(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 5; i++ {
		env.addItem(inboxID, "<Subject>"+strconv.Itoa(i)+"</Subject>")
	}
	key := env.primedSync(inboxID)

	v := env.sync(key, inboxID, "<WindowSize>2</WindowSize>")
	require.NotNil(t, v.Commands)
	assert.Len(t, v.Commands.Add, 2)
	assert.NotNil(t, v.MoreAvailable)

	v = env.sync(v.SyncKey, inboxID, "<WindowSize>2</WindowSize>")
	assert.Len(t, v.Commands.Add, 2)
	assert.NotNil(t, v.MoreAvailable)

	v = env.sync(v.SyncKey, inboxID, "<WindowSize>2</WindowSize>")
	assert.Len(t, v.Commands.Add, 1)
	assert.Nil(t, v.MoreAvailable)
}

func TestSyncClientCommands(t *testing.T) {
	env := newTestEnv(t)
	existing := env.addItem(inboxID, "<Subject>existing</Subject>")
	key := env.primedSync(inboxID)
	v := env.sync(key, inboxID, "")
	key = v.SyncKey

	commands := `<GetChanges>0</GetChanges><Commands>` +
		`<Add><ClientId>c1</ClientId><ApplicationData><Subject>new</Subject></ApplicationData></Add>` +
		`<Change><ServerId>1:999</ServerId><ApplicationData><Subject>x</Subject></ApplicationData></Change>` +
		`<Fetch><ServerId>` + existing.ID + `</ServerId></Fetch>` +
		`</Commands>`
	v = env.sync(key, inboxID, commands)
	require.Equal(t, 1, v.Status)
	require.NotNil(t, v.Responses)
	require.Len(t, v.Responses.Add, 1)
	assert.Equal(t, "c1", v.Responses.Add[0].ClientId)
	assert.Equal(t, 1, v.Responses.Add[0].Status)
	require.NotEmpty(t, v.Responses.Add[0].ServerId)
	require.Len(t, v.Responses.Change, 1)
	assert.Equal(t, 8, v.Responses.Change[0].Status)
	require.Len(t, v.Responses.Fetch, 1)
	assert.Equal(t, "<Subject>existing</Subject>", string(v.Responses.Fetch[0].ApplicationData.Data))
	assert.NotEqual(t, key, v.SyncKey)
	key = v.SyncKey

	added, err := env.mailbox().GetItem(t.Context(), inboxID, v.Responses.Add[0].ServerId)
	require.NoError(t, err)
	assert.Equal(t, "<Subject>new</Subject>", string(added.Data))

	// The added item is not echoed back.
	v = env.sync(key, inboxID, "")
	assert.Nil(t, v.Commands)
}

func TestSyncDeletesAsMoves(t *testing.T) {
	env := newTestEnv(t)
	a := env.addItem(inboxID, "<Subject>a</Subject>")
	b := env.addItem(inboxID, "<Subject>b</Subject>")
	key := env.primedSync(inboxID)
	key = env.sync(key, inboxID, "").SyncKey

	v := env.sync(key, inboxID, `<Commands><Delete><ServerId>`+a.ID+`</ServerId></Delete></Commands>`)
	require.Equal(t, 1, v.Status)
	key = v.SyncKey
	trash, err := env.mailbox().GetItems(t.Context(), deletedID)
	require.NoError(t, err)
	assert.Len(t, trash, 1)

	v = env.sync(key, inboxID, `<DeletesAsMoves>0</DeletesAsMoves><Commands><Delete><ServerId>`+b.ID+`</ServerId></Delete></Commands>`)
	require.Equal(t, 1, v.Status)
	trash, err = env.mailbox().GetItems(t.Context(), deletedID)
	require.NoError(t, err)
	assert.Len(t, trash, 1)
	items, err := env.mailbox().GetItems(t.Context(), inboxID)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestSyncPolicyKey(t *testing.T) {
	env := newTestEnv(t, func(c *activesync.Config) {
		c.Param.Provisioning.Required = true
	})

	assert.Equal(t, int(activesync.StatusDeviceNotProvisioned), env.commonStatus(activesync.CmdSync, syncRequest(collection("0", inboxID, ""))))
}

func moveBody(entries ...MoveItem) string {
	var b strings.Builder
	b.WriteString(`<MoveItems xmlns="Move">`)
	for _, v := range entries {
		b.WriteString(`<Move><SrcMsgId>` + v.SrcMsgId + `</SrcMsgId><SrcFldId>` + v.SrcFldId + `</SrcFldId><DstFldId>` + v.DstFldId + `</DstFldId></Move>`)
	}
	b.WriteString(`</MoveItems>`)
	return b.String()
}

func (r *testEnv) moveItems(entries ...MoveItem) MoveItemsResp {
	r.t.Helper()
	var v MoveItemsResp
	r.call(activesync.CmdMoveItems, moveBody(entries...), &v)
	return v
}

func TestMoveItemsRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	item := env.addItem(inboxID, "<Subject>move me</Subject>")

	inboxKey := env.sync(env.primedSync(inboxID), inboxID, "").SyncKey
	draftsKey := env.sync(env.primedSync(draftsID), draftsID, "").SyncKey

	v := env.moveItems(MoveItem{SrcMsgId: item.ID, SrcFldId: inboxID, DstFldId: draftsID})
	require.Len(t, v.Response, 1)
	assert.Equal(t, 3, v.Response[0].Status)
	assert.Equal(t, item.ID, v.Response[0].SrcMsgId)
	newID := v.Response[0].DstMsgId
	require.NotEmpty(t, newID)
	assert.NotEqual(t, item.ID, newID)

	src := env.sync(inboxKey, inboxID, "")
	require.NotNil(t, src.Commands)
	require.Len(t, src.Commands.Delete, 1)
	assert.Equal(t, item.ID, src.Commands.Delete[0].ServerId)

	dst := env.sync(draftsKey, draftsID, "")
	require.NotNil(t, dst.Commands)
	require.Len(t, dst.Commands.Add, 1)
	assert.Equal(t, newID, dst.Commands.Add[0].ServerId)
	assert.Equal(t, "<Subject>move me</Subject>", string(dst.Commands.Add[0].ApplicationData.Data))
}

func TestMoveItemsStatuses(t *testing.T) {
	env := newTestEnv(t)
	item := env.addItem(inboxID, "<Subject>a</Subject>")
	other := env.addItem(inboxID, "<Subject>b</Subject>")
	third := env.addItem(inboxID, "<Subject>c</Subject>")

	v := env.moveItems(
		MoveItem{SrcMsgId: item.ID, SrcFldId: inboxID, DstFldId: inboxID},
		MoveItem{SrcMsgId: item.ID, SrcFldId: "999", DstFldId: draftsID},
		MoveItem{SrcMsgId: third.ID, SrcFldId: inboxID, DstFldId: "999"},
		MoveItem{SrcMsgId: other.ID, SrcFldId: inboxID, DstFldId: draftsID},
		MoveItem{SrcMsgId: other.ID, SrcFldId: inboxID, DstFldId: sentID},
		MoveItem{SrcMsgId: "1:999", SrcFldId: inboxID, DstFldId: draftsID},
		// Named again after its first entry failed.
		MoveItem{SrcMsgId: item.ID, SrcFldId: inboxID, DstFldId: draftsID},
		MoveItem{SrcMsgId: third.ID, SrcFldId: inboxID, DstFldId: draftsID},
	)
	require.Len(t, v.Response, 8)
	assert.Equal(t, []int{4, 1, 2, 3, 5, 1, 5, 5}, moveStatuses(v))
	for i, r := range v.Response {
		if r.Status != 3 {
			assert.Empty(t, r.DstMsgId, "entry %v", i)
		}
	}

	// Entries that did not succeed left their items in place.
	for _, id := range []string{item.ID, third.ID} {
		_, err := env.mailbox().GetItem(t.Context(), inboxID, id)
		assert.NoError(t, err, id)
	}

	// The item has already been moved.
	v = env.moveItems(MoveItem{SrcMsgId: other.ID, SrcFldId: inboxID, DstFldId: draftsID})
	require.Len(t, v.Response, 1)
	assert.Equal(t, 1, v.Response[0].Status)
}

func moveStatuses(v MoveItemsResp) []int {
	var s []int
	for _, r := range v.Response {
		s = append(s, r.Status)
	}
	return s
}

func TestMoveItemsRange(t *testing.T) {
	env := newTestEnv(t)
	entries := make([]MoveItem, maxMoveItems+1)
	for i := range entries {
		entries[i] = MoveItem{SrcMsgId: "1:" + strconv.Itoa(i), SrcFldId: inboxID, DstFldId: draftsID}
	}

	assert.Equal(t, int(activesync.StatusInvalidXML), env.commonStatus(activesync.CmdMoveItems, moveBody(entries...)))
	assert.Equal(t, int(activesync.StatusInvalidXML), env.commonStatus(activesync.CmdMoveItems, moveBody()))
}

func (r *testEnv) estimate(key, id string) EstimateResponse {
	r.t.Helper()
	var v GetItemEstimateResp
	r.call(activesync.CmdGetItemEstimate, `<GetItemEstimate xmlns="GetItemEstimate"><Collections><Collection><SyncKey>`+key+`</SyncKey><CollectionId>`+id+`</CollectionId></Collection></Collections></GetItemEstimate>`, &v)
	require.Len(r.t, v.Response, 1)
	return v.Response[0]
}

func TestGetItemEstimate(t *testing.T) {
	env := newTestEnv(t)
	env.addItem(inboxID, "<Subject>a</Subject>")
	env.addItem(inboxID, "<Subject>b</Subject>")

	assert.Equal(t, 3, env.estimate("0", inboxID).Status)
	assert.Equal(t, 2, env.estimate("0", "999").Status)

	key := env.primedSync(inboxID)
	v := env.estimate(key, inboxID)
	require.Equal(t, 1, v.Status)
	require.NotNil(t, v.Collection)
	assert.Equal(t, 2, v.Collection.Estimate)

	key = env.sync(key, inboxID, "").SyncKey
	v = env.estimate(key, inboxID)
	assert.Equal(t, 0, v.Collection.Estimate)

	assert.Equal(t, 4, env.estimate("bogus", inboxID).Status)
}
