package httpapi

import (
	"net/http"
)

// handleClusterMembers reports this node's view of cluster membership,
// grounded on admin/routes.go's /admin/cluster/members endpoint.
func (s *Server) handleClusterMembers(w http.ResponseWriter, r *http.Request) {
	if s.registry == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"local_node_id": s.nodeID,
			"members":       []interface{}{},
		})
		return
	}

	nodes := s.registry.GetAll()
	members := make([]map[string]interface{}, 0, len(nodes))
	for _, n := range nodes {
		members = append(members, map[string]interface{}{
			"node_id":     n.NodeID,
			"address":     n.Address,
			"status":      n.Status.String(),
			"incarnation": n.Incarnation,
		})
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"local_node_id": s.nodeID,
		"members":       members,
	})
}
