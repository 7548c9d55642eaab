package db

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shadowchat/internal/models"
)

func newTestDB(t *testing.T) *Database {
	t.Helper()
	database, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	return database
}

func createTestUser(t *testing.T, database *Database, username string) int64 {
	t.Helper()
	id, err := database.CreateUser(username, "hash", "pub-"+username, "priv-"+username)
	require.NoError(t, err)
	return id
}

func TestCreateUserDuplicate(t *testing.T) {
	database := newTestDB(t)

	_, err := database.CreateUser("alice", "h1", "pub", "priv")
	require.NoError(t, err)

	_, err = database.CreateUser("alice", "h2", "pub2", "priv2")
	assert.ErrorIs(t, err, ErrUserExists)
}

func TestGetUserNotFound(t *testing.T) {
	database := newTestDB(t)

	_, err := database.GetUserByUsername("ghost")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = database.GetUserByID(9999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestChatMembership(t *testing.T) {
	database := newTestDB(t)
	alice := createTestUser(t, database, "alice")
	bob := createTestUser(t, database, "bob")

	chatID, err := database.CreateChat("room", alice, false)
	require.NoError(t, err)

	require.NoError(t, database.AddMember(chatID, alice, "key-a"))
	require.NoError(t, database.AddMember(chatID, bob, "key-b"))

	member, err := database.IsMember(chatID, bob)
	require.NoError(t, err)
	assert.True(t, member)

	ids, err := database.MemberIDs(chatID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{alice, bob}, ids)

	require.NoError(t, database.RemoveMember(chatID, bob))
	member, err = database.IsMember(chatID, bob)
	require.NoError(t, err)
	assert.False(t, member)
}

func TestUnreadCounting(t *testing.T) {
	database := newTestDB(t)
	alice := createTestUser(t, database, "alice")
	bob := createTestUser(t, database, "bob")

	chatID, err := database.CreateChat("room", alice, false)
	require.NoError(t, err)
	require.NoError(t, database.AddMember(chatID, alice, "k"))
	require.NoError(t, database.AddMember(chatID, bob, "k"))

	// The sender's own counter never moves.
	require.NoError(t, database.IncrementUnread(chatID, alice))
	require.NoError(t, database.IncrementUnread(chatID, alice))

	count, err := database.UnreadCount(chatID, alice)
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	count, err = database.UnreadCount(chatID, bob)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	require.NoError(t, database.ResetUnread(chatID, bob))
	count, err = database.UnreadCount(chatID, bob)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestMessageRoundTrip(t *testing.T) {
	database := newTestDB(t)
	alice := createTestUser(t, database, "alice")
	chatID, err := database.CreateChat("room", alice, false)
	require.NoError(t, err)

	msgID, err := database.AddMessage("hello", models.MessageTypeText, chatID, alice)
	require.NoError(t, err)

	msg, err := database.GetMessage(msgID)
	require.NoError(t, err)
	assert.Equal(t, "hello", msg.Content)
	assert.Equal(t, "alice", msg.SenderName)
	assert.Equal(t, models.MessageTypeText, msg.Type)
	assert.Nil(t, msg.ReadAt)
	assert.Empty(t, msg.Reactions)
}

func TestChatMessagesPaging(t *testing.T) {
	database := newTestDB(t)
	alice := createTestUser(t, database, "alice")
	chatID, err := database.CreateChat("room", alice, false)
	require.NoError(t, err)

	var ids []int64
	for range 5 {
		id, err := database.AddMessage("m", models.MessageTypeText, chatID, alice)
		require.NoError(t, err)
		ids = append(ids, id)
	}

	// First page is the two newest messages, oldest of the pair first.
	page, err := database.ChatMessages(chatID, 0, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, ids[3], page[0].ID)
	assert.Equal(t, ids[4], page[1].ID)

	page, err = database.ChatMessages(chatID, 2, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, ids[1], page[0].ID)
	assert.Equal(t, ids[2], page[1].ID)
}

func TestMarkMessageReadOnce(t *testing.T) {
	database := newTestDB(t)
	alice := createTestUser(t, database, "alice")
	chatID, err := database.CreateChat("room", alice, false)
	require.NoError(t, err)

	msgID, err := database.AddMessage("hi", models.MessageTypeText, chatID, alice)
	require.NoError(t, err)

	changed, err := database.MarkMessageRead(msgID)
	require.NoError(t, err)
	assert.True(t, changed)

	msg, err := database.GetMessage(msgID)
	require.NoError(t, err)
	require.NotNil(t, msg.ReadAt)
	first := *msg.ReadAt

	time.Sleep(5 * time.Millisecond)

	// A second mark must not move the timestamp.
	changed, err = database.MarkMessageRead(msgID)
	require.NoError(t, err)
	assert.False(t, changed)

	msg, err = database.GetMessage(msgID)
	require.NoError(t, err)
	require.NotNil(t, msg.ReadAt)
	assert.Equal(t, first, *msg.ReadAt)
}

func TestToggleReaction(t *testing.T) {
	database := newTestDB(t)
	alice := createTestUser(t, database, "alice")
	bob := createTestUser(t, database, "bob")
	chatID, err := database.CreateChat("room", alice, false)
	require.NoError(t, err)
	msgID, err := database.AddMessage("hi", models.MessageTypeText, chatID, alice)
	require.NoError(t, err)

	reactions, err := database.ToggleReaction(msgID, alice, "👍")
	require.NoError(t, err)
	require.Len(t, reactions, 1)
	assert.Equal(t, []int64{alice}, reactions[0].UserIDs)

	reactions, err = database.ToggleReaction(msgID, bob, "👍")
	require.NoError(t, err)
	require.Len(t, reactions, 1)
	assert.ElementsMatch(t, []int64{alice, bob}, reactions[0].UserIDs)

	// Switching emoji replaces the user's previous reaction.
	reactions, err = database.ToggleReaction(msgID, alice, "❤️")
	require.NoError(t, err)
	require.Len(t, reactions, 2)

	// Toggling the same emoji again removes it.
	reactions, err = database.ToggleReaction(msgID, alice, "❤️")
	require.NoError(t, err)
	require.Len(t, reactions, 1)
	assert.Equal(t, "👍", reactions[0].Emoji)
}

func TestToggleReactionConcurrent(t *testing.T) {
	database := newTestDB(t)
	database.SetMaxOpenConns(1)
	alice := createTestUser(t, database, "alice")
	bob := createTestUser(t, database, "bob")
	chatID, err := database.CreateChat("room", alice, false)
	require.NoError(t, err)
	msgID, err := database.AddMessage("hi", models.MessageTypeText, chatID, alice)
	require.NoError(t, err)

	// Two users toggle the same emoji an even number of times each from
	// separate goroutines. Each toggle must see the previous one's write,
	// or a lost update leaves a stray reaction behind.
	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for _, user := range []int64{alice, bob} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 20 {
				if _, err := database.ToggleReaction(msgID, user, "👍"); err != nil {
					errs <- err
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	msg, err := database.GetMessage(msgID)
	require.NoError(t, err)
	assert.Empty(t, msg.Reactions)
}

func TestExpiredMessages(t *testing.T) {
	database := newTestDB(t)
	alice := createTestUser(t, database, "alice")
	bob := createTestUser(t, database, "bob")

	chatID, err := database.AddFriend(alice, bob)
	require.NoError(t, err)

	burn := int64(1000)
	require.NoError(t, database.SetBurnTime(chatID, &burn))

	readMsg, err := database.AddMessage("read", models.MessageTypeText, chatID, alice)
	require.NoError(t, err)
	_, err = database.AddMessage("unread", models.MessageTypeText, chatID, alice)
	require.NoError(t, err)

	_, err = database.MarkMessageRead(readMsg)
	require.NoError(t, err)

	// Before the burn window elapses nothing is expired.
	expired, err := database.ExpiredMessages(time.Now().UnixMilli())
	require.NoError(t, err)
	assert.Empty(t, expired)

	// Well past the burn window only the read message qualifies.
	expired, err = database.ExpiredMessages(time.Now().UnixMilli() + 10*burn)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, readMsg, expired[0].MessageID)
	assert.Equal(t, chatID, expired[0].ChatID)

	// Clearing the burn time stops expiry entirely.
	require.NoError(t, database.SetBurnTime(chatID, nil))
	expired, err = database.ExpiredMessages(time.Now().UnixMilli() + 10*burn)
	require.NoError(t, err)
	assert.Empty(t, expired)
}

func TestAddFriendPairCollision(t *testing.T) {
	database := newTestDB(t)
	alice := createTestUser(t, database, "alice")
	bob := createTestUser(t, database, "bob")

	chatAB, err := database.AddFriend(alice, bob)
	require.NoError(t, err)

	// The reversed pair must resolve to the same chat, not create another.
	chatBA, err := database.AddFriend(bob, alice)
	require.NoError(t, err)
	assert.Equal(t, chatAB, chatBA)

	ok, err := database.AreFriends(bob, alice)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRemoveFriendByChat(t *testing.T) {
	database := newTestDB(t)
	alice := createTestUser(t, database, "alice")
	bob := createTestUser(t, database, "bob")

	chatID, err := database.AddFriend(alice, bob)
	require.NoError(t, err)

	require.NoError(t, database.RemoveFriendByChat(chatID))
	require.NoError(t, database.DeleteChat(chatID))

	ok, err := database.AreFriends(alice, bob)
	require.NoError(t, err)
	assert.False(t, ok)

	// Re-adding after teardown starts a fresh pair chat.
	newChat, err := database.AddFriend(alice, bob)
	require.NoError(t, err)
	assert.NotEqual(t, chatID, newChat)
}

func TestMomentFeedVisibility(t *testing.T) {
	database := newTestDB(t)
	alice := createTestUser(t, database, "alice")
	bob := createTestUser(t, database, "bob")
	carol := createTestUser(t, database, "carol")

	momentChat, err := database.GetOrCreateMomentChat(alice, "alice")
	require.NoError(t, err)
	require.NoError(t, database.AddMember(momentChat, alice, "k-alice"))
	require.NoError(t, database.AddMember(momentChat, bob, "k-bob"))

	postID, err := database.AddMessage("my post", models.MessageTypeText, momentChat, alice)
	require.NoError(t, err)

	// Comments never surface in the feed, only owner posts do.
	_, err = database.AddReplyMessage("nice", models.MessageTypeText, momentChat, bob, postID)
	require.NoError(t, err)

	feed, err := database.MomentMessagesFor(bob, 0, 10)
	require.NoError(t, err)
	require.Len(t, feed, 1)
	assert.Equal(t, postID, feed[0].MessageID)
	assert.Equal(t, "alice", feed[0].OwnerName)
	assert.Equal(t, "k-bob", feed[0].Key)

	feed, err = database.MomentMessagesFor(carol, 0, 10)
	require.NoError(t, err)
	assert.Empty(t, feed)

	comments, err := database.MomentComments(postID)
	require.NoError(t, err)
	require.Len(t, comments, 1)
	assert.Equal(t, "nice", comments[0].Content)
}
