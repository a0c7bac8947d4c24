package bus

// Event type catalog. Every published envelope's Type is one of these
// constants; the WorkflowCoordinator's dispatch table is keyed on them.
// Required payload fields for each are noted alongside.
const (
	TopicUserRegistered = "user_registered" // user_id
	TopicUserDeleted    = "user_deleted"    // user_id

	TopicUserInteraction = "user_interaction" // user_id, action, context

	TopicReactionObserved = "reaction_observed" // user_id, channel_id, emoji, source_message_id

	TopicMissionAssigned  = "mission_assigned"  // user_id, mission_id
	TopicMissionProgress  = "mission_progress"  // user_id, mission_id, progress
	TopicMissionCompleted = "mission_completed" // user_id, mission_id, reward
	TopicMissionExpired   = "mission_expired"   // user_id, mission_id

	TopicCurrencyCredited = "currency_credited" // user_id, amount, balance_after, reason, idempotency_key
	TopicCurrencyDebited  = "currency_debited"  // user_id, amount, balance_after, reason, idempotency_key

	TopicNarrativeFragmentDelivered = "narrative_fragment_delivered" // user_id, fragment_id
	TopicNarrativeChoiceMade        = "narrative_choice_made"        // user_id, fragment_id, choice_id
	TopicNarrativeLevelChanged      = "narrative_level_changed"      // user_id, old_level, new_level, trigger

	TopicHintUnlocked = "hint_unlocked" // user_id, hint_id

	TopicSubscriptionActivated = "subscription_activated" // user_id, plan, until
	TopicSubscriptionExpired   = "subscription_expired"   // user_id, plan, until

	TopicVIPAccessGranted = "vip_access_granted" // user_id, resource
	TopicVIPAccessDenied  = "vip_access_denied"  // user_id, resource, reason

	TopicPostScheduled = "post_scheduled" // post_id, channel_id, publish_at
	TopicPostPublished = "post_published" // post_id, channel_id, publish_at
)
