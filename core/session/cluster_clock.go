// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package session

import (
	"sync"

	"github.com/ikmak/mongocore/bson"
)

// ClusterClock represents a logical clock for keeping track of cluster time.
type ClusterClock struct {
	clusterTime bson.D
	lock        sync.Mutex
}

// GetClusterTime returns the cluster's current time.
func (cc *ClusterClock) GetClusterTime() bson.D {
	cc.lock.Lock()
	defer cc.lock.Unlock()
	return cc.clusterTime
}

// AdvanceClusterTime updates the cluster's current time.
func (cc *ClusterClock) AdvanceClusterTime(clusterTime bson.D) {
	cc.lock.Lock()
	cc.clusterTime = MaxClusterTime(cc.clusterTime, clusterTime)
	cc.lock.Unlock()
}

// getClusterTime decomposes a $clusterTime document into its timestamp pair.
func getClusterTime(clusterTime bson.D) (uint32, uint32) {
	if clusterTime == nil {
		return 0, 0
	}

	inner, found := clusterTime.Lookup("$clusterTime")
	if !found {
		return 0, 0
	}
	innerDoc, isDoc := inner.(bson.D)
	if !isDoc {
		return 0, 0
	}

	tsVal, found := innerDoc.Lookup("clusterTime")
	if !found {
		return 0, 0
	}
	ts, isTS := tsVal.(bson.Timestamp)
	if !isTS {
		return 0, 0
	}

	return ts.T, ts.I
}

// MaxClusterTime compares two $clusterTime documents and returns the one
// representing the later time. Timestamps order by epoch first, ordinal
// second.
func MaxClusterTime(ct1, ct2 bson.D) bson.D {
	epoch1, ord1 := getClusterTime(ct1)
	epoch2, ord2 := getClusterTime(ct2)

	switch {
	case epoch1 > epoch2:
		return ct1
	case epoch1 < epoch2:
		return ct2
	case ord1 > ord2:
		return ct1
	case ord1 < ord2:
		return ct2
	}

	return ct1
}
