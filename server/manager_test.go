package server

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gridspace/catalog"
)

// recorder 同步记录投递帧的 Outbox 测试替身
type recorder struct {
	mu     sync.Mutex
	frames [][]byte
	closed bool
	fail   bool
}

func (r *recorder) Enqueue(b []byte) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || r.fail {
		return false
	}
	r.frames = append(r.frames, b)
	return true
}

func (r *recorder) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
}

func (r *recorder) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

type frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// drain 取出并清空已记录的帧
func (r *recorder) drain(t *testing.T) []frame {
	t.Helper()
	r.mu.Lock()
	raw := r.frames
	r.frames = nil
	r.mu.Unlock()
	out := make([]frame, 0, len(raw))
	for _, b := range raw {
		var f frame
		require.NoError(t, json.Unmarshal(b, &f))
		out = append(out, f)
	}
	return out
}

func decodePayload[T any](t *testing.T, f frame) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(f.Payload, &v))
	return v
}

type member struct {
	p   *Participant
	out *recorder
}

func newMember(id string) member {
	out := &recorder{}
	return member{p: NewParticipant(ParticipantID("sess-"+id), id, out), out: out}
}

func officeSpace() catalog.Space {
	return catalog.Space{ID: "office", Width: 100, Height: 200, Elements: []catalog.Element{
		{ElementID: "desk", X: 20, Y: 20},
		{ElementID: "desk", X: 18, Y: 20},
		{ElementID: "desk", X: 19, Y: 20},
	}}
}

func TestJoinAcknowledgesAndNotifies(t *testing.T) {
	rm := NewRoomManager()
	a, b := newMember("alice"), newMember("bob")

	resA, err := rm.Join(officeSpace(), a.p)
	require.NoError(t, err)
	assert.Empty(t, resA.Others)

	framesA := a.out.drain(t)
	require.Len(t, framesA, 1)
	assert.Equal(t, TypeSpaceJoined, framesA[0].Type)
	ackA := decodePayload[SpaceJoined](t, framesA[0])
	assert.NotNil(t, ackA.Users)
	assert.Empty(t, ackA.Users)
	assert.Equal(t, Spawn{X: resA.Spawn.X, Y: resA.Spawn.Y}, ackA.Spawn)

	resB, err := rm.Join(officeSpace(), b.p)
	require.NoError(t, err)
	assert.NotEqual(t, resA.Spawn, resB.Spawn)

	framesB := b.out.drain(t)
	require.Len(t, framesB, 1)
	ackB := decodePayload[SpaceJoined](t, framesB[0])
	assert.Equal(t, []UserState{{UserID: "alice", X: resA.Spawn.X, Y: resA.Spawn.Y}}, ackB.Users)

	framesA = a.out.drain(t)
	require.Len(t, framesA, 1)
	assert.Equal(t, TypeUserJoin, framesA[0].Type)
	assert.Equal(t, UserJoined{UserID: "bob", X: resB.Spawn.X, Y: resB.Spawn.Y}, decodePayload[UserJoined](t, framesA[0]))
}

func TestNthJoinerSeesExistingMembers(t *testing.T) {
	rm := NewRoomManager()
	const n = 8
	members := make([]member, n)
	for i := range members {
		members[i] = newMember(fmt.Sprintf("u%d", i))
		res, err := rm.Join(officeSpace(), members[i].p)
		require.NoError(t, err)
		assert.Len(t, res.Others, i)
		for j, o := range res.Others {
			assert.Equal(t, members[j].p.UserID, o.UserID, "ack lists members in join order")
		}
	}
	for i, m := range members {
		frames := m.out.drain(t)
		require.Len(t, frames, 1+(n-1-i))
		assert.Equal(t, TypeSpaceJoined, frames[0].Type)
		for k, f := range frames[1:] {
			assert.Equal(t, TypeUserJoin, f.Type)
			assert.Equal(t, members[i+1+k].p.UserID, decodePayload[UserJoined](t, f).UserID)
		}
	}
}

func TestConcurrentJoinsNeverShareACell(t *testing.T) {
	rm := NewRoomManager()
	space := catalog.Space{ID: "tiny", Width: 4, Height: 4, Elements: []catalog.Element{
		{ElementID: "rock", X: 0, Y: 0},
		{ElementID: "rock", X: 3, Y: 3},
	}}
	const free = 14

	var wg sync.WaitGroup
	spawns := make([]Cell, free)
	errs := make([]error, free)
	for i := 0; i < free; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := rm.Join(space, newMember(fmt.Sprintf("u%d", i)).p)
			spawns[i], errs[i] = res.Spawn, err
		}(i)
	}
	wg.Wait()

	seen := map[Cell]bool{{X: 0, Y: 0}: true, {X: 3, Y: 3}: true}
	for i := range spawns {
		require.NoError(t, errs[i])
		assert.False(t, seen[spawns[i]], "cell %v assigned twice or on a static element", spawns[i])
		seen[spawns[i]] = true
	}

	_, err := rm.Join(space, newMember("late").p)
	assert.ErrorIs(t, err, ErrRoomFull)
	assert.Equal(t, free, rm.Room("tiny").Summary().Participants)
}

// freeNeighbor 找一个在界内、未被占用的相邻格
func freeNeighbor(t *testing.T, r *Room, from Cell) Cell {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range []Cell{{X: 1}, {X: -1}, {Y: 1}, {Y: -1}} {
		c := Cell{X: from.X + d.X, Y: from.Y + d.Y}
		if r.inBounds(c) && !r.isOccupied(c) {
			return c
		}
	}
	t.Fatalf("no free neighbor around %v", from)
	return Cell{}
}

func TestMoveScenario(t *testing.T) {
	rm := NewRoomManager()
	a, b := newMember("alice"), newMember("bob")
	resA, err := rm.Join(officeSpace(), a.p)
	require.NoError(t, err)
	_, err = rm.Join(officeSpace(), b.p)
	require.NoError(t, err)
	a.out.drain(t)
	b.out.drain(t)

	start := resA.Spawn
	rejected := []Cell{
		{X: start.X + 2, Y: start.Y},
		{X: 1000, Y: 1000},
		start,
		{X: start.X + 1, Y: start.Y + 1},
	}
	for _, target := range rejected {
		res, err := rm.Move("office", a.p.ID, target)
		require.NoError(t, err)
		assert.False(t, res.Accepted, "target %v", target)
		assert.Equal(t, start, res.Pos)

		frames := a.out.drain(t)
		require.Len(t, frames, 1)
		assert.Equal(t, TypeMovementRejected, frames[0].Type)
		assert.Equal(t, MovementRejected{X: start.X, Y: start.Y}, decodePayload[MovementRejected](t, frames[0]))
		assert.Empty(t, b.out.drain(t), "rejections are not broadcast")
	}

	target := freeNeighbor(t, rm.Room("office"), start)
	res, err := rm.Move("office", a.p.ID, target)
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.Equal(t, target, res.Pos)

	assert.Empty(t, a.out.drain(t), "mover gets no echo")
	frames := b.out.drain(t)
	require.Len(t, frames, 1)
	assert.Equal(t, TypeMovement, frames[0].Type)
	assert.Equal(t, Movement{UserID: "alice", X: target.X, Y: target.Y}, decodePayload[Movement](t, frames[0]))
}

func TestMoveBlockedByStaticElementAndParticipant(t *testing.T) {
	rm := NewRoomManager()
	// 2x1：右格是静态元素，A 只能出生在 (0,0)
	wall := catalog.Space{ID: "hall", Width: 2, Height: 1, Elements: []catalog.Element{{ElementID: "pillar", X: 1, Y: 0}}}
	a := newMember("alice")
	res, err := rm.Join(wall, a.p)
	require.NoError(t, err)
	require.Equal(t, Cell{X: 0, Y: 0}, res.Spawn)

	mv, err := rm.Move("hall", a.p.ID, Cell{X: 1, Y: 0})
	require.NoError(t, err)
	assert.False(t, mv.Accepted)
	assert.Equal(t, RejectOccupied, mv.Reason)

	// 2x1 无元素：两人占满，互相阻挡
	pair := catalog.Space{ID: "pair", Width: 2, Height: 1}
	c, d := newMember("carol"), newMember("dave")
	resC, err := rm.Join(pair, c.p)
	require.NoError(t, err)
	resD, err := rm.Join(pair, d.p)
	require.NoError(t, err)

	mv, err = rm.Move("pair", c.p.ID, resD.Spawn)
	require.NoError(t, err)
	assert.False(t, mv.Accepted)
	assert.Equal(t, RejectOccupied, mv.Reason)
	assert.Equal(t, resC.Spawn, mv.Pos)
}

func TestMoveUnknownParticipant(t *testing.T) {
	rm := NewRoomManager()
	_, err := rm.Move("nowhere", "ghost", Cell{})
	assert.ErrorIs(t, err, ErrNotInRoom)

	_, err = rm.Join(officeSpace(), newMember("alice").p)
	require.NoError(t, err)
	_, err = rm.Move("office", "ghost", Cell{})
	assert.ErrorIs(t, err, ErrNotInRoom)
}

func TestLeaveNotifiesOnceAndIsIdempotent(t *testing.T) {
	rm := NewRoomManager()
	a, b := newMember("alice"), newMember("bob")
	_, err := rm.Join(officeSpace(), a.p)
	require.NoError(t, err)
	_, err = rm.Join(officeSpace(), b.p)
	require.NoError(t, err)
	b.out.drain(t)

	assert.True(t, rm.Leave("office", a.p.ID))
	assert.False(t, rm.Leave("office", a.p.ID))

	frames := b.out.drain(t)
	require.Len(t, frames, 1)
	assert.Equal(t, TypeUserLeft, frames[0].Type)
	assert.Equal(t, UserLeft{UserID: "alice"}, decodePayload[UserLeft](t, frames[0]))

	_, err = rm.Move("office", a.p.ID, Cell{})
	assert.ErrorIs(t, err, ErrNotInRoom)
}

func TestLastLeaveRetiresRoom(t *testing.T) {
	rm := NewRoomManager()
	a := newMember("alice")
	_, err := rm.Join(officeSpace(), a.p)
	require.NoError(t, err)
	first := rm.Room("office")
	require.NotNil(t, first)

	assert.True(t, rm.Leave("office", a.p.ID))
	assert.Nil(t, rm.Room("office"))
	assert.False(t, rm.Leave("office", a.p.ID))

	res, err := rm.Join(officeSpace(), newMember("bob").p)
	require.NoError(t, err)
	assert.Empty(t, res.Others)
	assert.NotSame(t, first, rm.Room("office"))
}

func TestConcurrentLeavesObservedExactlyOnce(t *testing.T) {
	rm := NewRoomManager()
	const n = 20
	members := make([]member, n)
	for i := range members {
		members[i] = newMember(fmt.Sprintf("u%02d", i))
		_, err := rm.Join(officeSpace(), members[i].p)
		require.NoError(t, err)
	}
	for _, m := range members {
		m.out.drain(t)
	}

	leavers, stayers := members[:n/2], members[n/2:]
	var wg sync.WaitGroup
	for _, m := range leavers {
		wg.Add(1)
		go func(m member) {
			defer wg.Done()
			rm.Leave("office", m.p.ID)
			rm.Leave("office", m.p.ID)
		}(m)
	}
	wg.Wait()

	for _, s := range stayers {
		counts := map[string]int{}
		for _, f := range s.out.drain(t) {
			require.Equal(t, TypeUserLeft, f.Type)
			counts[decodePayload[UserLeft](t, f).UserID]++
		}
		require.Len(t, counts, len(leavers))
		for _, l := range leavers {
			assert.Equal(t, 1, counts[l.p.UserID], "%s sees %s leave", s.p.UserID, l.p.UserID)
		}
	}
	assert.Equal(t, len(stayers), rm.Room("office").Summary().Participants)
}

func TestDeliveryFailureDropsRecipientOnly(t *testing.T) {
	rm := NewRoomManager()
	a, b, c := newMember("alice"), newMember("bob"), newMember("carol")
	resA, err := rm.Join(officeSpace(), a.p)
	require.NoError(t, err)
	for _, m := range []member{b, c} {
		_, err := rm.Join(officeSpace(), m.p)
		require.NoError(t, err)
	}
	a.out.drain(t)
	b.out.drain(t)
	c.out.drain(t)

	c.out.mu.Lock()
	c.out.fail = true
	c.out.mu.Unlock()

	target := freeNeighbor(t, rm.Room("office"), resA.Spawn)
	res, err := rm.Move("office", a.p.ID, target)
	require.NoError(t, err)
	assert.True(t, res.Accepted, "sender unaffected by a failing recipient")
	assert.True(t, c.out.isClosed())

	frames := b.out.drain(t)
	require.Len(t, frames, 2)
	assert.Equal(t, TypeMovement, frames[0].Type)
	assert.Equal(t, TypeUserLeft, frames[1].Type)
	assert.Equal(t, "carol", decodePayload[UserLeft](t, frames[1]).UserID)

	framesA := a.out.drain(t)
	require.Len(t, framesA, 1)
	assert.Equal(t, TypeUserLeft, framesA[0].Type)

	assert.Equal(t, 2, rm.Room("office").Summary().Participants)
	// 网关稍后的离开调用是空操作
	assert.False(t, rm.Leave("office", c.p.ID))
}

func TestLockedRoomRefusesJoins(t *testing.T) {
	rm := NewRoomManager()
	rm.SetLocked("office", true)
	_, err := rm.Join(officeSpace(), newMember("alice").p)
	assert.ErrorIs(t, err, ErrRoomLocked)
	assert.Nil(t, rm.Room("office"), "refused join creates no room")

	rm.SetLocked("office", false)
	_, err = rm.Join(officeSpace(), newMember("alice").p)
	assert.NoError(t, err)
}

func TestRefusedJoinLeavesNoEmptyRoom(t *testing.T) {
	rm := NewRoomManager()
	solid := catalog.Space{ID: "solid", Width: 1, Height: 1, Elements: []catalog.Element{{ElementID: "wall", X: 0, Y: 0}}}

	_, err := rm.Join(solid, newMember("alice").p)
	assert.ErrorIs(t, err, ErrRoomFull)
	assert.Nil(t, rm.Room("solid"))
	assert.Empty(t, rm.Rooms())

	// 再次尝试仍然得到同样的结果，而不是卡在已退役的房间上
	_, err = rm.Join(solid, newMember("bob").p)
	assert.ErrorIs(t, err, ErrRoomFull)
	assert.Empty(t, rm.Rooms())
}

func TestDuplicateJoinRejected(t *testing.T) {
	rm := NewRoomManager()
	a := newMember("alice")
	_, err := rm.Join(officeSpace(), a.p)
	require.NoError(t, err)
	_, err = rm.Join(officeSpace(), a.p)
	assert.ErrorIs(t, err, ErrAlreadyJoined)
}

func TestRoomsSummary(t *testing.T) {
	rm := NewRoomManager()
	_, err := rm.Join(officeSpace(), newMember("alice").p)
	require.NoError(t, err)
	rm.SetLocked("office", true)

	rooms := rm.Rooms()
	require.Len(t, rooms, 1)
	assert.Equal(t, "office", rooms[0].ID)
	assert.Equal(t, 100, rooms[0].Width)
	assert.Equal(t, 200, rooms[0].Height)
	assert.Equal(t, 3, rooms[0].StaticCells)
	assert.Equal(t, 1, rooms[0].Participants)
	assert.True(t, rooms[0].Locked)
}
