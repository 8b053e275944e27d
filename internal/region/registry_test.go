package region

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/shardex/internal/cluster"
)

func TestBucketRegistryRebalance(t *testing.T) {
	tests := []struct {
		name        string
		members     []cluster.MemberID
		numBuckets  int
		redundancy  int
		wantPrimary []cluster.MemberID
		wantCopies  int
	}{
		{
			name:        "no data stores",
			numBuckets:  3,
			wantPrimary: []cluster.MemberID{"", "", ""},
		},
		{
			name:        "single member owns everything",
			members:     []cluster.MemberID{"m1"},
			numBuckets:  3,
			redundancy:  1,
			wantPrimary: []cluster.MemberID{"m1", "m1", "m1"},
			wantCopies:  0,
		},
		{
			name:        "round robin with redundancy",
			members:     []cluster.MemberID{"m1", "m2", "m3"},
			numBuckets:  4,
			redundancy:  1,
			wantPrimary: []cluster.MemberID{"m1", "m2", "m3", "m1"},
			wantCopies:  1,
		},
		{
			name:        "redundancy capped by cluster size",
			members:     []cluster.MemberID{"m1", "m2"},
			numBuckets:  2,
			redundancy:  3,
			wantPrimary: []cluster.MemberID{"m1", "m2"},
			wantCopies:  1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewBucketRegistry(tt.numBuckets, tt.redundancy)
			for _, m := range tt.members {
				require.True(t, r.AddDataStore(m))
			}
			r.Rebalance()

			for i, want := range tt.wantPrimary {
				a, err := r.Assignment(i)
				require.NoError(t, err)
				assert.Equal(t, want, a.Primary, "bucket %d", i)
				if want != "" {
					assert.Len(t, a.Secondaries, tt.wantCopies)
					assert.NotContains(t, a.Secondaries, a.Primary)
				}
			}
		})
	}
}

func TestBucketRegistryMembership(t *testing.T) {
	r := NewBucketRegistry(4, 0)

	assert.True(t, r.AddDataStore("m1"))
	assert.False(t, r.AddDataStore("m1"))
	assert.True(t, r.AddDataStore("m2"))
	r.Rebalance()

	primaries, secondaries := r.MemberBuckets("m2")
	assert.Equal(t, []int{1, 3}, primaries)
	assert.Empty(t, secondaries)

	assert.True(t, r.RemoveDataStore("m2"))
	assert.False(t, r.RemoveDataStore("m2"))
	previous := r.Rebalance()
	assert.Equal(t, cluster.MemberID("m2"), previous[1].Primary)

	primaries, _ = r.MemberBuckets("m1")
	assert.Equal(t, []int{0, 1, 2, 3}, primaries)
	assert.Equal(t, []cluster.MemberID{"m1"}, r.DataStores())
	assert.Len(t, r.Assignments(), 4)
}

func TestBucketRegistryInvalidBucket(t *testing.T) {
	r := NewBucketRegistry(2, 0)

	_, err := r.Assignment(-1)
	assert.Error(t, err)
	_, err = r.Assignment(2)
	assert.Error(t, err)
}

func TestBucketAssignmentOwners(t *testing.T) {
	a := BucketAssignment{BucketID: 1, Primary: "m1", Secondaries: []cluster.MemberID{"m2"}}

	assert.Equal(t, []cluster.MemberID{"m1", "m2"}, a.Owners())
	assert.True(t, a.Hosts("m2"))
	assert.False(t, a.Hosts("m3"))
	assert.Nil(t, BucketAssignment{}.Owners())
}
