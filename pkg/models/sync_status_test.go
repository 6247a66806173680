package models

import "testing"

func TestSyncStatus_CanTransitionTo(t *testing.T) {
	tests := []struct {
		from SyncStatus
		to   SyncStatus
		want bool
	}{
		{SyncStatusIdle, SyncStatusSyncing, true},
		{SyncStatusActive, SyncStatusSyncing, true},
		{SyncStatusError, SyncStatusSyncing, true},
		{SyncStatusSyncing, SyncStatusSyncing, true},
		{SyncStatusSyncing, SyncStatusActive, true},
		{SyncStatusSyncing, SyncStatusError, true},

		{SyncStatusIdle, SyncStatusActive, false},
		{SyncStatusIdle, SyncStatusError, false},
		{SyncStatusActive, SyncStatusError, false},
		{SyncStatusError, SyncStatusActive, false},
		{SyncStatusActive, SyncStatusIdle, false},
		{SyncStatusSyncing, SyncStatusIdle, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			if got := tt.from.CanTransitionTo(tt.to); got != tt.want {
				t.Errorf("CanTransitionTo() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDataSourceType_Family(t *testing.T) {
	for _, typ := range AllDataSourceTypes() {
		if !typ.IsValid() {
			t.Errorf("%s should be valid", typ)
		}
	}
	if DataSourceTypeTikTokAds.Family() != SourceFamilyAPI {
		t.Errorf("TIKTOK_ADS family = %q, want api", DataSourceTypeTikTokAds.Family())
	}
	if DataSourceType("FAX").IsValid() {
		t.Error("unknown type should not be valid")
	}
}
