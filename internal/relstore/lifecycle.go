package relstore

import (
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/kinkys/narrativecore/internal/corekit"
)

// allowedTransitions realizes invariant S2: active -> {cancelled,
// expired}; inactive -> active; no other transition permitted.
var allowedTransitions = map[SubscriptionStatus]map[SubscriptionStatus]bool{
	SubscriptionActive:   {SubscriptionCancelled: true, SubscriptionExpired: true},
	SubscriptionInactive: {SubscriptionActive: true},
}

// Activate creates (or reactivates) the one active subscription a
// user may hold (invariant S1), deactivating any prior active row for
// the same user in the same transaction.
func (s *Store) Activate(userID string, plan SubscriptionPlan, until *time.Time) (*Subscription, error) {
	var out Subscription
	err := s.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&Subscription{}).
			Where("user_id = ? AND status = ?", userID, SubscriptionActive).
			Update("status", SubscriptionInactive).Error; err != nil {
			return fmt.Errorf("deactivate prior subscription: %w", err)
		}
		out = Subscription{
			UserID:  userID,
			Plan:    plan,
			Status:  SubscriptionActive,
			StartAt: time.Now().UTC(),
			EndAt:   until,
		}
		return tx.Create(&out).Error
	})
	if err != nil {
		return nil, corekit.Wrap(corekit.KindInternal, "subscription_activate", err)
	}
	return &out, nil
}

// Transition moves a subscription to newStatus, enforcing the S2 DAG.
func (s *Store) Transition(subscriptionID uint, newStatus SubscriptionStatus) error {
	var sub Subscription
	if err := s.DB.First(&sub, subscriptionID).Error; err != nil {
		return corekit.Wrap(corekit.KindNotFound, "subscription_not_found", err)
	}
	if !allowedTransitions[sub.Status][newStatus] {
		return corekit.New(corekit.KindConflict, "invalid_subscription_transition",
			fmt.Sprintf("%s -> %s is not permitted", sub.Status, newStatus))
	}
	if err := s.DB.Model(&sub).Update("status", newStatus).Error; err != nil {
		return corekit.Wrap(corekit.KindInternal, "subscription_transition", err)
	}
	return nil
}

// ActiveSubscription returns the user's current active subscription,
// if any. Used by AccessPolicy.VIPActive for at-use-time gating.
func (s *Store) ActiveSubscription(userID string) (*Subscription, error) {
	var sub Subscription
	err := s.DB.Where("user_id = ? AND status = ?", userID, SubscriptionActive).First(&sub).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("active subscription: %w", err)
	}
	return &sub, nil
}

// ExpireDue transitions every active subscription whose end_at has
// passed to expired, returning the user ids affected. Invoked by the
// cron sweep.
func (s *Store) ExpireDue(now time.Time) ([]string, error) {
	var due []Subscription
	if err := s.DB.Where("status = ? AND end_at IS NOT NULL AND end_at <= ?", SubscriptionActive, now).Find(&due).Error; err != nil {
		return nil, fmt.Errorf("find due subscriptions: %w", err)
	}
	var userIDs []string
	for _, sub := range due {
		if err := s.DB.Model(&Subscription{}).Where("id = ?", sub.ID).Update("status", SubscriptionExpired).Error; err != nil {
			return userIDs, fmt.Errorf("expire subscription %d: %w", sub.ID, err)
		}
		userIDs = append(userIDs, sub.UserID)
	}
	return userIDs, nil
}
