package services

import (
	"sync"
	"testing"
	"time"

	"mensajia-wa-inbox/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveCreatesClientAndConversation(t *testing.T) {
	db := newTestDB(t)
	bot := seedBot(t, db, nil)
	resolver := NewConversationResolver(db)

	client, conversation, err := resolver.Resolve(bot.TenantID, "+54 9 11 2536-7148", "Juan", bot.ID)
	require.NoError(t, err)

	assert.Equal(t, "541125367148", client.PhoneNumber)
	require.NotNil(t, client.Name)
	assert.Equal(t, "Juan", *client.Name)

	assert.Equal(t, client.ID, conversation.ClientID)
	assert.Equal(t, models.ConversationActive, conversation.Status)
	assert.Equal(t, models.ModeBot, conversation.Mode)
}

func TestResolveReusesActiveConversation(t *testing.T) {
	db := newTestDB(t)
	bot := seedBot(t, db, nil)
	resolver := NewConversationResolver(db)

	_, first, err := resolver.Resolve(bot.TenantID, "5491125367148", "", bot.ID)
	require.NoError(t, err)

	// Same customer through a differently formatted identity.
	_, second, err := resolver.Resolve(bot.TenantID, "+54 11 2536 7148", "", bot.ID)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)

	var count int64
	db.Model(&models.Conversation{}).Count(&count)
	assert.EqualValues(t, 1, count)
}

func TestResolveNewConversationAfterClose(t *testing.T) {
	db := newTestDB(t)
	bot := seedBot(t, db, nil)
	resolver := NewConversationResolver(db)

	_, first, err := resolver.Resolve(bot.TenantID, "541125367148", "", bot.ID)
	require.NoError(t, err)

	require.NoError(t, db.Model(&models.Conversation{}).
		Where("id = ?", first.ID).
		Update("status", models.ConversationClosed).Error)

	_, second, err := resolver.Resolve(bot.TenantID, "541125367148", "", bot.ID)
	require.NoError(t, err)

	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, models.ConversationActive, second.Status)
}

func TestResolveNameFilledOpportunistically(t *testing.T) {
	db := newTestDB(t)
	bot := seedBot(t, db, nil)
	resolver := NewConversationResolver(db)

	client, _, err := resolver.Resolve(bot.TenantID, "541125367148", "", bot.ID)
	require.NoError(t, err)
	assert.Nil(t, client.Name)

	client, _, err = resolver.Resolve(bot.TenantID, "541125367148", "Juan", bot.ID)
	require.NoError(t, err)
	require.NotNil(t, client.Name)
	assert.Equal(t, "Juan", *client.Name)

	// A known name is never overwritten by a later hint.
	client, _, err = resolver.Resolve(bot.TenantID, "541125367148", "J. Perez", bot.ID)
	require.NoError(t, err)
	require.NotNil(t, client.Name)
	assert.Equal(t, "Juan", *client.Name)
}

func TestResolveTenantIsolation(t *testing.T) {
	db := newTestDB(t)
	bot := seedBot(t, db, nil)
	otherBot := seedBot(t, db, func(b *models.BotConfig) { b.TenantID = "tenant-2" })
	resolver := NewConversationResolver(db)

	a, _, err := resolver.Resolve(bot.TenantID, "541125367148", "", bot.ID)
	require.NoError(t, err)
	b, _, err := resolver.Resolve(otherBot.TenantID, "541125367148", "", otherBot.ID)
	require.NoError(t, err)

	// Same phone, different tenants: two distinct clients.
	assert.NotEqual(t, a.ID, b.ID)
}

func TestResolveConcurrentSameIdentity(t *testing.T) {
	db := newTestDB(t)
	bot := seedBot(t, db, nil)
	resolver := NewConversationResolver(db)

	const writers = 8
	var wg sync.WaitGroup
	conversationIDs := make([]string, writers)
	errs := make([]error, writers)

	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// Stagger slightly so lookups and creates interleave.
			time.Sleep(time.Duration(i) * time.Millisecond)
			_, conversation, err := resolver.Resolve(bot.TenantID, "5491125367148", "", bot.ID)
			if err == nil {
				conversationIDs[i] = conversation.ID
			}
			errs[i] = err
		}(i)
	}
	wg.Wait()

	for i := 0; i < writers; i++ {
		require.NoError(t, errs[i])
	}

	// Every resolver converged on the single active conversation.
	first := conversationIDs[0]
	for _, id := range conversationIDs {
		assert.Equal(t, first, id)
	}

	var clientCount, convCount int64
	db.Model(&models.Client{}).Count(&clientCount)
	db.Model(&models.Conversation{}).Where("status = ?", models.ConversationActive).Count(&convCount)
	assert.EqualValues(t, 1, clientCount)
	assert.EqualValues(t, 1, convCount)
}
