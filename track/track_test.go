package track

import (
	"testing"

	"go.viam.com/test"
)

func TestTransitiveMerge(t *testing.T) {
	b := NewBuilder()
	// feature 2 of image 0 matches feature 5 of image 1,
	// which matches feature 9 of image 2; all three are one track
	b.AddPairMatches(0, 1, []Match{{Index1: 2, Index2: 5}})
	b.AddPairMatches(1, 2, []Match{{Index1: 5, Index2: 9}})

	id0, ok := b.TrackID(FeatureKey{ImageID: 0, Feature: 2})
	test.That(t, ok, test.ShouldBeTrue)
	id1, ok := b.TrackID(FeatureKey{ImageID: 1, Feature: 5})
	test.That(t, ok, test.ShouldBeTrue)
	id2, ok := b.TrackID(FeatureKey{ImageID: 2, Feature: 9})
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, id0, test.ShouldEqual, id1)
	test.That(t, id1, test.ShouldEqual, id2)

	tracks := b.Tracks()
	test.That(t, len(tracks), test.ShouldEqual, 1)
	test.That(t, len(tracks[0].Members), test.ShouldEqual, 3)
}

func TestSeparateTracksStaySeparate(t *testing.T) {
	b := NewBuilder()
	b.AddPairMatches(0, 1, []Match{
		{Index1: 0, Index2: 0},
		{Index1: 1, Index2: 1},
	})

	idA, _ := b.TrackID(FeatureKey{ImageID: 0, Feature: 0})
	idB, _ := b.TrackID(FeatureKey{ImageID: 0, Feature: 1})
	test.That(t, idA, test.ShouldNotEqual, idB)
	test.That(t, len(b.Tracks()), test.ShouldEqual, 2)
}

func TestUnknownFeature(t *testing.T) {
	b := NewBuilder()
	b.AddPairMatches(0, 1, []Match{{Index1: 0, Index2: 0}})
	_, ok := b.TrackID(FeatureKey{ImageID: 5, Feature: 0})
	test.That(t, ok, test.ShouldBeFalse)
}

func TestInconsistentTrackDropsDuplicate(t *testing.T) {
	b := NewBuilder()
	// features 3 and 4 of image 0 both end up matched to feature 7 of
	// image 1: the merged track would hold two features of image 0
	b.AddPairMatches(0, 1, []Match{
		{Index1: 3, Index2: 7},
		{Index1: 4, Index2: 7},
	})

	tracks := b.Tracks()
	test.That(t, len(tracks), test.ShouldEqual, 1)
	members := tracks[0].Members
	test.That(t, len(members), test.ShouldEqual, 2)
	// lowest feature index per image is kept
	feat, ok := tracks[0].FeatureInImage(0)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, feat, test.ShouldEqual, 3)
	feat, ok = tracks[0].FeatureInImage(1)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, feat, test.ShouldEqual, 7)
}

func TestMembersSortedByImage(t *testing.T) {
	b := NewBuilder()
	b.AddPairMatches(4, 2, []Match{{Index1: 1, Index2: 8}})
	b.AddPairMatches(2, 0, []Match{{Index1: 8, Index2: 6}})

	tracks := b.Tracks()
	test.That(t, len(tracks), test.ShouldEqual, 1)
	members := tracks[0].Members
	test.That(t, members[0].ImageID, test.ShouldEqual, 0)
	test.That(t, members[1].ImageID, test.ShouldEqual, 2)
	test.That(t, members[2].ImageID, test.ShouldEqual, 4)
}

func TestFeatureInImageMissing(t *testing.T) {
	tr := &Track{ID: 0, Members: []FeatureKey{{ImageID: 1, Feature: 2}}}
	_, ok := tr.FeatureInImage(3)
	test.That(t, ok, test.ShouldBeFalse)
}
