// Package subscription 实现客户端的主题过滤器匹配与消息分发
package subscription

import (
	"errors"
	"fmt"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/mqtt"
	"slices"
	"strings"
	"time"
	"unicode/utf8"
)

var ErrInvalidTopicFilter = errors.New("invalid topic filter")

// Handler 收到匹配主题的 PUBLISH 时调用
type Handler func(topic string, payload []byte, properties []mqtt.Property)

type Route struct {
	Filter  string
	Handler Handler
}

// TopicTreeNode 主题订阅树节点
type TopicTreeNode struct {
	Level string // 当前层级名称（如 "football"）

	// 直接子节点（精确匹配）
	Children map[string]*TopicTreeNode

	// 通配符子节点
	WildcardPlus *TopicTreeNode // "+" 通配符子节点（单层）
	WildcardHash []*Route       // "#" 通配符订阅列表（多层）

	// 终端订阅（当前路径的精确匹配订阅）
	Terminals []*Route
}

// Router is not safe for concurrent use; the engine owns it.
type Router struct {
	root  *TopicTreeNode
	cache *expirable.LRU[string, []*Route]
	size  int
}

func NewRouter() *Router {
	return &Router{
		root:  createNode(""),
		cache: expirable.NewLRU[string, []*Route](256, nil, time.Hour),
	}
}

func createNode(level string) *TopicTreeNode {
	return &TopicTreeNode{
		Level:    level,
		Children: map[string]*TopicTreeNode{},
	}
}

// ValidateTopicFilter 校验主题过滤器中通配符的位置
func ValidateTopicFilter(filter string) error {
	if filter == "" || !utf8.ValidString(filter) || len(filter) > 0xFFFF {
		return fmt.Errorf("%w: %q", ErrInvalidTopicFilter, filter)
	}
	levels := strings.Split(filter, "/")
	for i, level := range levels {
		if strings.Contains(level, "#") && (level != "#" || i != len(levels)-1) {
			return fmt.Errorf("%w: '#' must be the last level, topic: %s", ErrInvalidTopicFilter, filter)
		}
		if strings.Contains(level, "+") && level != "+" {
			return fmt.Errorf("%w: '+' must occupy an entire level, topic: %s", ErrInvalidTopicFilter, filter)
		}
	}
	return nil
}

// Add 注册过滤器，同一过滤器重复注册时替换处理函数
func (r *Router) Add(filter string, handler Handler) error {
	if err := ValidateTopicFilter(filter); err != nil {
		return err
	}
	r.cache.Purge()

	route := &Route{Filter: filter, Handler: handler}
	levels := strings.Split(filter, "/")
	currentNode := r.root
	for i, level := range levels {
		if level == "#" {
			currentNode.WildcardHash = r.replace(currentNode.WildcardHash, route)
			return nil
		}
		var next *TopicTreeNode
		if level == "+" {
			if currentNode.WildcardPlus == nil {
				currentNode.WildcardPlus = createNode(level)
			}
			next = currentNode.WildcardPlus
		} else {
			if _, ok := currentNode.Children[level]; !ok {
				currentNode.Children[level] = createNode(level)
			}
			next = currentNode.Children[level]
		}
		currentNode = next
		if i == len(levels)-1 {
			currentNode.Terminals = r.replace(currentNode.Terminals, route)
		}
	}
	return nil
}

func (r *Router) replace(routes []*Route, route *Route) []*Route {
	for i, existing := range routes {
		if existing.Filter == route.Filter {
			routes[i] = route
			return routes
		}
	}
	r.size++
	return append(routes, route)
}

// routesFor 定位过滤器所在的路由列表，路径不存在时返回 nil
func (r *Router) routesFor(filter string) *[]*Route {
	levels := strings.Split(filter, "/")
	currentNode := r.root
	for i, level := range levels {
		if level == "#" && i == len(levels)-1 {
			return &currentNode.WildcardHash
		}
		if level == "+" {
			currentNode = currentNode.WildcardPlus
		} else {
			currentNode = currentNode.Children[level]
		}
		if currentNode == nil {
			return nil
		}
	}
	return &currentNode.Terminals
}

// Lookup 返回过滤器当前注册的处理函数
func (r *Router) Lookup(filter string) (Handler, bool) {
	routes := r.routesFor(filter)
	if routes == nil {
		return nil, false
	}
	for _, route := range *routes {
		if route.Filter == filter {
			return route.Handler, true
		}
	}
	return nil, false
}

// Remove 删除过滤器，返回是否存在
func (r *Router) Remove(filter string) bool {
	routes := r.routesFor(filter)
	if routes == nil {
		return false
	}
	return r.removeFrom(routes, filter)
}

func (r *Router) removeFrom(routes *[]*Route, filter string) bool {
	before := len(*routes)
	*routes = slices.DeleteFunc(*routes, func(route *Route) bool {
		return route.Filter == filter
	})
	if len(*routes) == before {
		return false
	}
	r.size--
	r.cache.Purge()
	return true
}

func (r *Router) Len() int {
	return r.size
}

// Match 返回与发布主题匹配的全部路由
func (r *Router) Match(publishTopic string) []*Route {
	if routes, ok := r.cache.Get(publishTopic); ok {
		return routes
	}
	levels := strings.Split(publishTopic, "/")
	var results []*Route
	// 以 $ 开头的主题不匹配首层通配符
	systemTopic := strings.HasPrefix(publishTopic, "$")
	r.match(r.root, levels, 0, systemTopic, &results)
	r.cache.Add(publishTopic, results)
	return results
}

func (r *Router) match(node *TopicTreeNode, levels []string, depth int, systemTopic bool, results *[]*Route) {
	wildcardAllowed := depth > 0 || !systemTopic
	if wildcardAllowed {
		// "sport/#" 同时匹配 "sport"
		*results = append(*results, node.WildcardHash...)
	}
	if depth == len(levels) {
		*results = append(*results, node.Terminals...)
		return
	}
	if child, ok := node.Children[levels[depth]]; ok {
		r.match(child, levels, depth+1, systemTopic, results)
	}
	if wildcardAllowed && node.WildcardPlus != nil {
		r.match(node.WildcardPlus, levels, depth+1, systemTopic, results)
	}
}

// Dispatch 调用全部匹配路由的处理函数，返回调用次数
func (r *Router) Dispatch(topic string, payload []byte, properties []mqtt.Property) int {
	routes := r.Match(topic)
	for _, route := range routes {
		route.Handler(topic, payload, properties)
	}
	return len(routes)
}
